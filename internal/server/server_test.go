package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrnet/facilitator/internal/config"
	"github.com/vrnet/facilitator/internal/transport"
	"github.com/vrnet/facilitator/pkg/client"
)

const serverAddr = "srv"

func testConfig() *config.Config {
	return &config.Config{
		Transport: config.TransportConfig{
			RetransmitBase: 20 * time.Millisecond,
			RetransmitCap:  100 * time.Millisecond,
			MaxRetransmits: 8,
			ReorderWindow:  64,
		},
		Session: config.SessionConfig{
			Max:             64,
			LivenessTimeout: time.Minute,
			SweepInterval:   25 * time.Millisecond,
		},
		Room: config.RoomConfig{
			Max:             16,
			DefaultCapacity: 8,
			EmptyGraceTTL:   time.Minute,
		},
		Punch: config.PunchConfig{Window: 2 * time.Second, MaxAttempts: 3},
		Relay: config.RelayConfig{
			MaxChannels:    16,
			BytesPerSecond: 1 << 20,
			Burst:          1 << 16,
			Backlog:        64,
		},
	}
}

func startServer(t *testing.T, cfg *config.Config) *transport.MemNetwork {
	t.Helper()
	net := transport.NewMemNetwork()
	srv, err := New(cfg, net.Listen(serverAddr), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return net
}

func dial(t *testing.T, net *transport.MemNetwork, addr, token string) *client.Client {
	t.Helper()
	return dialSocket(t, net.Listen(addr), token)
}

func dialSocket(t *testing.T, sock client.PacketConn, token string) *client.Client {
	t.Helper()
	c, err := client.Connect(context.Background(), client.Options{
		ServerAddr:    serverAddr,
		Token:         token,
		Heartbeat:     50 * time.Millisecond,
		PunchInterval: 10 * time.Millisecond,
		PunchTimeout:  500 * time.Millisecond,
		CallTimeout:   2 * time.Second,
		Transport: client.TransportConfig{
			RetransmitBase: 20 * time.Millisecond,
			RetransmitCap:  100 * time.Millisecond,
			MaxRetransmits: 8,
			ReorderWindow:  64,
		},
		Socket: sock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitEvent(t *testing.T, c *client.Client, want client.EventType, timeout time.Duration) client.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestRegisterAssignsSession(t *testing.T) {
	net := startServer(t, testConfig())
	c := dial(t, net, "c1", "tok-1")
	assert.NotEmpty(t, c.SessionID())
}

func TestDuplicateTokenRefused(t *testing.T) {
	net := startServer(t, testConfig())
	dial(t, net, "c1", "tok-dup")

	_, err := client.Connect(context.Background(), client.Options{
		ServerAddr:  serverAddr,
		Token:       "tok-dup",
		CallTimeout: 2 * time.Second,
		Socket:      net.Listen("c2"),
	})
	assert.ErrorIs(t, err, client.ErrAuth)
}

func TestEmptyTokenRefused(t *testing.T) {
	net := startServer(t, testConfig())
	_, err := client.Connect(context.Background(), client.Options{
		ServerAddr:  serverAddr,
		Token:       "",
		CallTimeout: 2 * time.Second,
		Socket:      net.Listen("c1"),
	})
	assert.ErrorIs(t, err, client.ErrAuth)
}

func TestSessionCapRefusesRegistration(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Max = 1
	net := startServer(t, cfg)
	dial(t, net, "c1", "tok-1")

	_, err := client.Connect(context.Background(), client.Options{
		ServerAddr:  serverAddr,
		Token:       "tok-2",
		CallTimeout: 2 * time.Second,
		Socket:      net.Listen("c2"),
	})
	assert.Error(t, err)
}

func TestRoomFullRefusesJoin(t *testing.T) {
	net := startServer(t, testConfig())
	c1 := dial(t, net, "c1", "tok-1")
	c2 := dial(t, net, "c2", "tok-2")
	c3 := dial(t, net, "c3", "tok-3")
	ctx := context.Background()

	roomID, err := c1.CreateRoom(ctx, client.RoomConfig{Name: "duo", Capacity: 2})
	require.NoError(t, err)

	_, err = c1.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)
	_, err = c2.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)

	_, err = c3.JoinRoom(ctx, roomID, "")
	assert.ErrorIs(t, err, client.ErrRejected)
}

func TestDirectLinkAndPeerData(t *testing.T) {
	net := startServer(t, testConfig())
	c1 := dial(t, net, "c1", "tok-1")
	c2 := dial(t, net, "c2", "tok-2")
	ctx := context.Background()

	roomID, err := c1.CreateRoom(ctx, client.RoomConfig{Name: "arena"})
	require.NoError(t, err)
	_, err = c1.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)
	joined, err := c2.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)
	assert.Equal(t, c1.SessionID(), joined.Host)

	// Nothing blocks traffic, so the punch succeeds on both sides.
	ev1 := waitEvent(t, c1, client.EventLinkDirect, 3*time.Second)
	assert.Equal(t, c2.SessionID(), ev1.Peer)
	ev2 := waitEvent(t, c2, client.EventLinkDirect, 3*time.Second)
	assert.Equal(t, c1.SessionID(), ev2.Peer)

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, c1.SendToPeer(c2.SessionID(), payload, client.ReliableOrdered))

	got := waitEvent(t, c2, client.EventPeerData, 3*time.Second)
	assert.Equal(t, c1.SessionID(), got.Peer)
	assert.Equal(t, payload, got.Payload)
}

// blockPeerTraffic drops everything that does not involve the facilitator,
// simulating NATs that never open a direct path.
func blockPeerTraffic(net *transport.MemNetwork) {
	net.SetFilter(func(from, to string, p []byte) bool {
		return from == serverAddr || to == serverAddr
	})
}

func TestRelayFallbackCarriesDataVerbatim(t *testing.T) {
	cfg := testConfig()
	cfg.Punch.Window = 200 * time.Millisecond
	net := startServer(t, cfg)
	blockPeerTraffic(net)

	c1 := dial(t, net, "c1", "tok-1")
	c2 := dial(t, net, "c2", "tok-2")
	ctx := context.Background()

	roomID, err := c1.CreateRoom(ctx, client.RoomConfig{Name: "walled"})
	require.NoError(t, err)
	_, err = c1.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)
	_, err = c2.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)

	ev1 := waitEvent(t, c1, client.EventLinkRelayed, 5*time.Second)
	assert.Equal(t, c2.SessionID(), ev1.Peer)
	waitEvent(t, c2, client.EventLinkRelayed, 5*time.Second)

	payload := []byte{0xde, 0xad, 0x00, 0xbe, 0xef}
	require.NoError(t, c1.SendToPeer(c2.SessionID(), payload, client.ReliableOrdered))

	got := waitEvent(t, c2, client.EventPeerData, 3*time.Second)
	assert.Equal(t, c1.SessionID(), got.Peer)
	assert.Equal(t, payload, got.Payload, "payload must cross the relay bit for bit")

	// The relay works in both directions.
	reply := []byte("pong")
	require.NoError(t, c2.SendToPeer(c1.SessionID(), reply, client.ReliableUnordered))
	back := waitEvent(t, c1, client.EventPeerData, 3*time.Second)
	assert.Equal(t, reply, back.Payload)
}

// dupSocket duplicates every datagram it sends, stressing receiver-side
// deduplication across the whole relay path.
type dupSocket struct {
	transport.PacketConn
}

func (d dupSocket) WriteTo(p []byte, addr string) error {
	if err := d.PacketConn.WriteTo(p, addr); err != nil {
		return err
	}
	return d.PacketConn.WriteTo(p, addr)
}

func TestRelayedReliableOrderedSurvivesLossAndDuplication(t *testing.T) {
	cfg := testConfig()
	cfg.Punch.Window = 200 * time.Millisecond
	// Retransmit recovery flushes reorder bursts into the relay; the
	// backlog must absorb them without shedding.
	cfg.Relay.Backlog = 512
	net := startServer(t, cfg)

	// No direct path, and every fourth datagram to or from the facilitator
	// is lost. c1's socket additionally duplicates everything it sends.
	var count atomic.Uint64
	net.SetFilter(func(from, to string, p []byte) bool {
		if from != serverAddr && to != serverAddr {
			return false
		}
		return count.Add(1)%4 != 0
	})

	c1 := dialSocket(t, dupSocket{net.Listen("c1")}, "tok-1")
	c2 := dial(t, net, "c2", "tok-2")
	ctx := context.Background()

	roomID, err := c1.CreateRoom(ctx, client.RoomConfig{Name: "stress"})
	require.NoError(t, err)
	_, err = c1.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)
	_, err = c2.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)

	waitEvent(t, c1, client.EventLinkRelayed, 10*time.Second)
	waitEvent(t, c2, client.EventLinkRelayed, 10*time.Second)

	const n = 200
	for i := 0; i < n; i++ {
		payload := []byte{byte(i >> 8), byte(i)}
		require.NoError(t, c1.SendToPeer(c2.SessionID(), payload, client.ReliableOrdered))
	}

	// Exactly n payloads arrive, in send order. A duplicate or a reorder
	// anywhere along the two relay legs shifts the sequence and fails.
	got := make([][]byte, 0, n)
	deadline := time.After(30 * time.Second)
	for len(got) < n {
		select {
		case ev := <-c2.Events():
			if ev.Type == client.EventPeerData {
				got = append(got, ev.Payload)
			}
		case <-deadline:
			t.Fatalf("timed out after %d of %d payloads", len(got), n)
		}
	}
	for i, p := range got {
		require.Equal(t, []byte{byte(i >> 8), byte(i)}, p, "delivery out of order at %d", i)
	}
}

func TestSilentPeerExpiresAndNotifiesSurvivor(t *testing.T) {
	cfg := testConfig()
	cfg.Punch.Window = 200 * time.Millisecond
	cfg.Session.LivenessTimeout = 250 * time.Millisecond
	net := startServer(t, cfg)
	blockPeerTraffic(net)

	c1 := dial(t, net, "c1", "tok-1")
	c2 := dial(t, net, "c2", "tok-2")
	ctx := context.Background()

	roomID, err := c1.CreateRoom(ctx, client.RoomConfig{Name: "fragile"})
	require.NoError(t, err)
	_, err = c1.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)
	_, err = c2.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)

	waitEvent(t, c1, client.EventLinkRelayed, 5*time.Second)
	waitEvent(t, c2, client.EventLinkRelayed, 5*time.Second)

	// c1 falls silent: everything to and from it is dropped.
	net.SetFilter(func(from, to string, p []byte) bool {
		if from == "c1" || to == "c1" {
			return false
		}
		return from == serverAddr || to == serverAddr
	})

	ev := waitEvent(t, c2, client.EventLinkFailed, 5*time.Second)
	assert.Equal(t, c1.SessionID(), ev.Peer)
	left := waitEvent(t, c2, client.EventMemberLeft, 5*time.Second)
	assert.Equal(t, c1.SessionID(), left.Peer)
	assert.Equal(t, roomID, left.Room)

	// The survivor's path to the dead peer is gone.
	err = c2.SendToPeer(c1.SessionID(), []byte("x"), client.Unreliable)
	assert.ErrorIs(t, err, client.ErrNoPath)
}

func TestHostMigrationOnLeave(t *testing.T) {
	cfg := testConfig()
	cfg.Punch.Window = 200 * time.Millisecond
	net := startServer(t, cfg)
	blockPeerTraffic(net)

	c1 := dial(t, net, "c1", "tok-1")
	c2 := dial(t, net, "c2", "tok-2")
	ctx := context.Background()

	roomID, err := c1.CreateRoom(ctx, client.RoomConfig{Name: "stage"})
	require.NoError(t, err)
	_, err = c1.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)
	_, err = c2.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)

	waitEvent(t, c2, client.EventLinkRelayed, 5*time.Second)

	require.NoError(t, c1.LeaveRoom(ctx))

	left := waitEvent(t, c2, client.EventMemberLeft, 3*time.Second)
	assert.Equal(t, c1.SessionID(), left.Peer)
	host := waitEvent(t, c2, client.EventHostChanged, 3*time.Second)
	assert.Equal(t, c2.SessionID(), host.Host)
	assert.Equal(t, roomID, host.Room)
}

func TestMatchmakingJoin(t *testing.T) {
	net := startServer(t, testConfig())
	c1 := dial(t, net, "c1", "tok-1")
	c2 := dial(t, net, "c2", "tok-2")
	ctx := context.Background()

	roomID, err := c1.CreateRoom(ctx, client.RoomConfig{Name: "lobby"})
	require.NoError(t, err)
	_, err = c1.JoinRoom(ctx, roomID, "")
	require.NoError(t, err)

	joined, err := c2.JoinMatch(ctx, client.MatchCriteria{Name: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, roomID, joined.RoomID)
}

func TestConcurrentControlCalls(t *testing.T) {
	net := startServer(t, testConfig())
	c := dial(t, net, "c1", "tok-1")
	ctx := context.Background()

	// Round-trips queue behind each other, so every caller gets its own
	// answer even though all of them await the same response kinds.
	const n = 4
	ids := make([]client.RoomID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.CreateRoom(ctx, client.RoomConfig{Name: fmt.Sprintf("room-%d", i)})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[client.RoomID]bool)
	for _, id := range ids {
		assert.NotEmpty(t, id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.Session.LivenessTimeout = 150 * time.Millisecond
	net := startServer(t, cfg)
	c1 := dial(t, net, "c1", "tok-1")

	// Several liveness windows pass; the heartbeat keeps the session
	// registered.
	time.Sleep(500 * time.Millisecond)

	_, err := c1.CreateRoom(context.Background(), client.RoomConfig{Name: "still-here"})
	assert.NoError(t, err)
}
