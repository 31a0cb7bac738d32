// Package client is the session-layer API the VR subsystems consume:
// connect, create/join/leave room, send-to-peer with a reliability mode,
// and a stream of received events. The traversal and relay state machines
// stay internal.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vrnet/facilitator/internal/domain"
	"github.com/vrnet/facilitator/internal/protocol"
	"github.com/vrnet/facilitator/internal/transport"
)

type EventType string

const (
	EventPeerData    EventType = "peer_data"
	EventLinkDirect  EventType = "link_direct"
	EventLinkRelayed EventType = "link_relayed"
	EventLinkFailed  EventType = "link_failed"
	EventMemberLeft  EventType = "member_left"
	EventHostChanged EventType = "host_changed"
)

// Event is one occurrence surfaced to the embedding subsystem.
type Event struct {
	Type    EventType
	Room    RoomID
	Peer    SessionID
	Host    SessionID
	Payload []byte
	Reason  string
}

type Options struct {
	ServerAddr string
	Token      string
	// Candidates are locally-known endpoints declared at registration.
	Candidates []Endpoint

	Heartbeat     time.Duration
	PunchInterval time.Duration
	PunchTimeout  time.Duration
	CallTimeout   time.Duration

	Transport TransportConfig
	// Socket overrides the UDP socket; tests inject in-memory conns.
	Socket PacketConn
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.PunchInterval <= 0 {
		o.PunchInterval = 100 * time.Millisecond
	}
	if o.PunchTimeout <= 0 {
		o.PunchTimeout = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	return o
}

// peerPath is the resolved route to one peer: direct address or relay
// channel.
type peerPath struct {
	direct  bool
	addr    string
	link    domain.LinkID
	channel domain.ChannelID
}

type Client struct {
	opts Options
	tr   *transport.Conn
	log  zerolog.Logger

	sid domain.SessionID

	// callMu serializes control round-trips: responses are matched by
	// kind, so two in-flight requests sharing a reply kind would
	// cross-wire each other's channels.
	callMu sync.Mutex

	mu      sync.Mutex
	calls   map[protocol.Kind]chan protocol.Envelope
	peers   map[domain.SessionID]*peerPath
	byChan  map[domain.ChannelID]domain.SessionID
	punches map[domain.LinkID]*punchAttempt
	sendSeq map[domain.SessionID]uint64
	room    domain.RoomID

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	ErrAuth     = errors.New("registration rejected")
	ErrNoPath   = errors.New("no path to peer")
	ErrRejected = errors.New("request rejected")
)

// Connect registers with the facilitator and starts the session loops.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	sock := opts.Socket
	if sock == nil {
		var err error
		sock, err = transport.ListenUDP(":0")
		if err != nil {
			return nil, fmt.Errorf("open socket: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		log:     log.With().Str("module", "client").Logger(),
		calls:   make(map[protocol.Kind]chan protocol.Envelope),
		peers:   make(map[domain.SessionID]*peerPath),
		byChan:  make(map[domain.ChannelID]domain.SessionID),
		punches: make(map[domain.LinkID]*punchAttempt),
		sendSeq: make(map[domain.SessionID]uint64),
		events:  make(chan Event, 256),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.tr = transport.New(sock, opts.Transport)

	go c.run(runCtx)
	go c.heartbeatLoop(runCtx)

	env, err := c.call(ctx, protocol.KindRegister, protocol.Register{
		Token:      opts.Token,
		Candidates: opts.Candidates,
	}, protocol.KindRegisterAck, protocol.KindAuthError, protocol.KindCapacityError)
	if err != nil {
		c.shutdown()
		return nil, err
	}
	switch env.Type {
	case protocol.KindRegisterAck:
		var ack protocol.RegisterAck
		if err := env.Decode(&ack); err != nil {
			c.shutdown()
			return nil, err
		}
		c.sid = ack.SessionID
		c.log = c.log.With().Str("sid", string(c.sid)).Logger()
		c.log.Info().Str("observed", ack.Observed.Addr).Msg("registered")
		return c, nil
	default:
		var info protocol.ErrorInfo
		_ = env.Decode(&info)
		c.shutdown()
		return nil, fmt.Errorf("%s: %w", info.Reason, ErrAuth)
	}
}

// SessionID is assigned by the facilitator on registration.
func (c *Client) SessionID() SessionID { return c.sid }

// Events is the stream of peer payloads and membership changes.
func (c *Client) Events() <-chan Event { return c.events }

// CreateRoom creates a room and returns its id. The caller still joins
// explicitly.
func (c *Client) CreateRoom(ctx context.Context, cfg RoomConfig) (RoomID, error) {
	env, err := c.call(ctx, protocol.KindCreateRoom, protocol.CreateRoom{Config: cfg},
		protocol.KindRoomCreated, protocol.KindRoomError, protocol.KindCapacityError)
	if err != nil {
		return "", err
	}
	if env.Type != protocol.KindRoomCreated {
		return "", decodeReject(env)
	}
	var msg protocol.RoomCreated
	if err := env.Decode(&msg); err != nil {
		return "", err
	}
	return msg.RoomID, nil
}

// JoinRoom joins by explicit id. Password applies to protected rooms.
func (c *Client) JoinRoom(ctx context.Context, roomID RoomID, password string) (RoomJoined, error) {
	return c.join(ctx, protocol.JoinRoom{RoomID: roomID, Password: password})
}

// JoinMatch joins any public room matching the criteria.
func (c *Client) JoinMatch(ctx context.Context, criteria MatchCriteria) (RoomJoined, error) {
	return c.join(ctx, protocol.JoinRoom{Criteria: &criteria})
}

func (c *Client) join(ctx context.Context, req protocol.JoinRoom) (protocol.RoomJoined, error) {
	env, err := c.call(ctx, protocol.KindJoinRoom, req,
		protocol.KindRoomJoined, protocol.KindRoomError, protocol.KindCapacityError)
	if err != nil {
		return protocol.RoomJoined{}, err
	}
	if env.Type != protocol.KindRoomJoined {
		return protocol.RoomJoined{}, decodeReject(env)
	}
	var msg protocol.RoomJoined
	if err := env.Decode(&msg); err != nil {
		return protocol.RoomJoined{}, err
	}
	c.mu.Lock()
	c.room = msg.RoomID
	c.mu.Unlock()
	return msg, nil
}

// LeaveRoom leaves the current room; peer paths are dropped.
func (c *Client) LeaveRoom(ctx context.Context) error {
	env, err := c.call(ctx, protocol.KindLeaveRoom, nil,
		protocol.KindRoomLeft, protocol.KindRoomError)
	if err != nil {
		return err
	}
	if env.Type != protocol.KindRoomLeft {
		return decodeReject(env)
	}
	c.mu.Lock()
	c.room = ""
	c.peers = make(map[domain.SessionID]*peerPath)
	c.byChan = make(map[domain.ChannelID]domain.SessionID)
	c.mu.Unlock()
	return nil
}

// SendToPeer ships payload to a room peer with the requested reliability
// mode, over the direct path when one was punched, otherwise through the
// facilitator relay.
func (c *Client) SendToPeer(peer SessionID, payload []byte, mode Mode) error {
	c.mu.Lock()
	path, ok := c.peers[peer]
	var seq uint64
	if ok {
		c.sendSeq[peer]++
		seq = c.sendSeq[peer]
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s: %w", peer, ErrNoPath)
	}

	if path.direct {
		b, err := protocol.Marshal(protocol.KindPeerData, protocol.PeerData{
			From:    c.sid,
			Seq:     seq,
			Payload: payload,
		})
		if err != nil {
			return err
		}
		return c.tr.Send(path.addr, b, mode)
	}

	b, err := protocol.Marshal(protocol.KindRelayData, protocol.RelayData{
		ChannelID: path.channel,
		Seq:       seq,
		Payload:   payload,
		Ordered:   mode == transport.ReliableOrdered,
	})
	if err != nil {
		return err
	}
	return c.tr.Send(c.opts.ServerAddr, b, mode)
}

// Close says goodbye and releases the socket.
func (c *Client) Close() error {
	if b, err := protocol.Marshal(protocol.KindBye, nil); err == nil {
		_ = c.tr.Send(c.opts.ServerAddr, b, transport.ReliableUnordered)
	}
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.cancel()
	_ = c.tr.Close()
}

// call sends a request and waits for the first response among want kinds.
// One round-trip runs at a time; concurrent callers queue.
func (c *Client) call(ctx context.Context, kind protocol.Kind, v any, want ...protocol.Kind) (protocol.Envelope, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	for _, w := range want {
		c.calls[w] = ch
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		for _, w := range want {
			if c.calls[w] == ch {
				delete(c.calls, w)
			}
		}
		c.mu.Unlock()
	}()

	b, err := protocol.Marshal(kind, v)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := c.tr.Send(c.opts.ServerAddr, b, transport.ReliableOrdered); err != nil {
		return protocol.Envelope{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, fmt.Errorf("%s: %w", kind, ctx.Err())
	}
}

func decodeReject(env protocol.Envelope) error {
	var info protocol.ErrorInfo
	_ = env.Decode(&info)
	if info.Reason == "" {
		info.Reason = string(env.Type)
	}
	return fmt.Errorf("%s: %w", info.Reason, ErrRejected)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b, err := protocol.Marshal(protocol.KindHeartbeat, nil); err == nil {
				_ = c.tr.Send(c.opts.ServerAddr, b, transport.Unreliable)
			}
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("event", string(ev.Type)).Msg("event backlog full, dropping")
	}
}
