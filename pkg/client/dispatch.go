package client

import (
	"context"

	"github.com/vrnet/facilitator/internal/domain"
	"github.com/vrnet/facilitator/internal/protocol"
	"github.com/vrnet/facilitator/internal/transport"
)

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-c.tr.Packets():
			if !ok {
				return
			}
			c.handle(ctx, in)
		}
	}
}

func (c *Client) handle(ctx context.Context, in transport.Inbound) {
	env, err := protocol.Unmarshal(in.Payload)
	if err != nil {
		c.log.Warn().Err(err).Str("from", in.From).Msg("dropping malformed message")
		return
	}

	// Request/response kinds route to a waiting call first.
	c.mu.Lock()
	if ch, ok := c.calls[env.Type]; ok {
		delete(c.calls, env.Type)
		c.mu.Unlock()
		ch <- env
		return
	}
	c.mu.Unlock()

	switch env.Type {
	case protocol.KindCandidateExchange:
		var msg protocol.CandidateExchange
		if err := env.Decode(&msg); err == nil {
			c.startPunch(ctx, msg)
		}
	case protocol.KindPunchProbe:
		var msg protocol.PunchProbe
		if err := env.Decode(&msg); err == nil {
			c.onPunchProbe(msg, in.From)
		}
	case protocol.KindPunchAck:
		var msg protocol.PunchAck
		if err := env.Decode(&msg); err == nil {
			c.onPunchAck(msg, in.From)
		}
	case protocol.KindRelayEstablished:
		var msg protocol.RelayEstablished
		if err := env.Decode(&msg); err == nil {
			c.onRelayEstablished(msg)
		}
	case protocol.KindRelayData:
		var msg protocol.RelayData
		if err := env.Decode(&msg); err == nil {
			c.mu.Lock()
			peer := c.byChan[msg.ChannelID]
			c.mu.Unlock()
			if peer != "" {
				c.emit(Event{Type: EventPeerData, Peer: peer, Payload: msg.Payload})
			}
		}
	case protocol.KindPeerData:
		var msg protocol.PeerData
		if err := env.Decode(&msg); err == nil {
			c.emit(Event{Type: EventPeerData, Peer: msg.From, Payload: msg.Payload})
		}
	case protocol.KindLinkFailed:
		var msg protocol.LinkFailed
		if err := env.Decode(&msg); err == nil {
			c.onLinkFailed(msg)
		}
	case protocol.KindMemberLeft:
		var msg protocol.MemberLeft
		if err := env.Decode(&msg); err == nil {
			c.dropPeer(msg.SessionID)
			c.emit(Event{Type: EventMemberLeft, Room: msg.RoomID, Peer: msg.SessionID})
		}
	case protocol.KindHostChanged:
		var msg protocol.HostChanged
		if err := env.Decode(&msg); err == nil {
			c.emit(Event{Type: EventHostChanged, Room: msg.RoomID, Host: msg.Host})
		}
	default:
		c.log.Warn().Str("kind", string(env.Type)).Msg("unexpected message")
	}
}

func (c *Client) onRelayEstablished(msg protocol.RelayEstablished) {
	c.stopPunch(msg.LinkID)
	c.mu.Lock()
	c.peers[msg.PeerID] = &peerPath{link: msg.LinkID, channel: msg.ChannelID}
	c.byChan[msg.ChannelID] = msg.PeerID
	c.mu.Unlock()
	c.log.Info().Str("peer", string(msg.PeerID)).Str("channel", string(msg.ChannelID)).Msg("link relayed")
	c.emit(Event{Type: EventLinkRelayed, Peer: msg.PeerID})
}

func (c *Client) onLinkFailed(msg protocol.LinkFailed) {
	c.stopPunch(msg.LinkID)
	c.dropPeer(msg.PeerID)
	c.emit(Event{Type: EventLinkFailed, Peer: msg.PeerID, Reason: msg.Reason})
}

func (c *Client) dropPeer(peer domain.SessionID) {
	c.mu.Lock()
	if path, ok := c.peers[peer]; ok {
		if path.channel != "" {
			delete(c.byChan, path.channel)
		}
		delete(c.peers, peer)
	}
	c.mu.Unlock()
}
