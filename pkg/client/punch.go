package client

import (
	"context"
	"sync"
	"time"

	"github.com/vrnet/facilitator/internal/domain"
	"github.com/vrnet/facilitator/internal/protocol"
	"github.com/vrnet/facilitator/internal/transport"
)

// punchAttempt tracks one link's traversal: parallel probe loops per
// candidate, first ack wins and cancels the rest.
type punchAttempt struct {
	link   domain.LinkID
	peer   domain.SessionID
	cancel context.CancelFunc

	mu        sync.Mutex
	succeeded bool
	reported  bool
}

// startPunch reacts to a candidate exchange: probe every punchable
// candidate of the peer in parallel until one acks or the window closes.
// The initiator probes immediately; the responder waits half an interval
// so both strict NATs see outbound traffic before inbound.
func (c *Client) startPunch(ctx context.Context, msg protocol.CandidateExchange) {
	punchCtx, cancel := context.WithTimeout(ctx, c.opts.PunchTimeout)
	at := &punchAttempt{link: msg.LinkID, peer: msg.PeerID, cancel: cancel}

	c.mu.Lock()
	if old, ok := c.punches[msg.LinkID]; ok {
		old.cancel()
	}
	c.punches[msg.LinkID] = at
	c.mu.Unlock()

	c.log.Info().Str("link", string(msg.LinkID)).Str("peer", string(msg.PeerID)).
		Int("candidates", len(msg.Endpoints)).Bool("initiator", msg.Initiator).Msg("punching")

	probe, err := protocol.Marshal(protocol.KindPunchProbe, protocol.PunchProbe{
		LinkID: msg.LinkID,
		From:   c.sid,
	})
	if err != nil {
		return
	}

	for _, ep := range msg.Endpoints {
		if !ep.Punchable() {
			continue
		}
		addr := ep.Addr
		go func() {
			if !msg.Initiator {
				select {
				case <-time.After(c.opts.PunchInterval / 2):
				case <-punchCtx.Done():
					return
				}
			}
			ticker := time.NewTicker(c.opts.PunchInterval)
			defer ticker.Stop()
			for {
				_ = c.tr.Send(addr, probe, transport.Unreliable)
				select {
				case <-punchCtx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	// Window watchdog: a punch that never acked is reported failed so the
	// coordinator can fall back without waiting for its own timer.
	go func() {
		<-punchCtx.Done()
		at.mu.Lock()
		report := !at.succeeded && !at.reported
		at.reported = at.reported || report
		at.mu.Unlock()
		if report {
			c.reportPunch(msg.LinkID, msg.PeerID, false, "")
		}
	}()
}

// onPunchProbe answers a peer's probe; the ack carries the address we saw
// the probe from so the peer learns its winning candidate.
func (c *Client) onPunchProbe(msg protocol.PunchProbe, from string) {
	ack, err := protocol.Marshal(protocol.KindPunchAck, protocol.PunchAck{
		LinkID: msg.LinkID,
		From:   c.sid,
		Addr:   from,
	})
	if err != nil {
		return
	}
	_ = c.tr.Send(from, ack, transport.Unreliable)
}

// onPunchAck is bidirectional confirmation for this side: our probe
// reached the peer and its answer reached us. First ack wins.
func (c *Client) onPunchAck(msg protocol.PunchAck, from string) {
	c.mu.Lock()
	at, ok := c.punches[msg.LinkID]
	c.mu.Unlock()
	if !ok {
		return
	}

	at.mu.Lock()
	first := !at.succeeded
	at.succeeded = true
	at.reported = true
	at.mu.Unlock()
	if !first {
		return
	}

	at.cancel()
	c.mu.Lock()
	c.peers[at.peer] = &peerPath{direct: true, addr: from, link: msg.LinkID}
	c.mu.Unlock()

	c.log.Info().Str("link", string(msg.LinkID)).Str("peer", string(at.peer)).Str("addr", from).Msg("link direct")
	c.reportPunch(msg.LinkID, at.peer, true, from)
	c.emit(Event{Type: EventLinkDirect, Peer: at.peer})
}

func (c *Client) reportPunch(link domain.LinkID, peer domain.SessionID, ok bool, addr string) {
	b, err := protocol.Marshal(protocol.KindPunchResult, protocol.PunchResult{
		LinkID: link,
		PeerID: peer,
		OK:     ok,
		Addr:   addr,
	})
	if err != nil {
		return
	}
	_ = c.tr.Send(c.opts.ServerAddr, b, transport.ReliableOrdered)
}

func (c *Client) stopPunch(link domain.LinkID) {
	c.mu.Lock()
	at, ok := c.punches[link]
	if ok {
		delete(c.punches, link)
	}
	c.mu.Unlock()
	if ok {
		at.mu.Lock()
		at.reported = true // relay or failure already decided the link
		at.mu.Unlock()
		at.cancel()
	}
}
