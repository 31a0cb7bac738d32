package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsPrefix marks hub-assigned addresses so the mux can route writes.
const wsPrefix = "ws:"

const wsWriteTimeout = 5 * time.Second

// WSHub bridges WebSocket clients into the datagram world: every binary
// message is one datagram, and each connection gets a synthetic address
// under the ws: prefix. Clients behind UDP-hostile networks use this path;
// their endpoints are relay-only candidates, punching never applies.
type WSHub struct {
	mu      sync.RWMutex
	conns   map[string]*wsPeer
	inbound chan memDatagram
	done    chan struct{}
	once    sync.Once
}

func NewWSHub() *WSHub {
	return &WSHub{
		conns:   make(map[string]*wsPeer),
		inbound: make(chan memDatagram, 1024),
		done:    make(chan struct{}),
	}
}

type wsPeer struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (p *wsPeer) trySend(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("ws peer closed")
	}
	select {
	case p.send <- b:
		return nil
	default:
		return errors.New("ws peer backpressure")
	}
}

func (p *wsPeer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.send)
	_ = p.conn.Close()
	p.mu.Unlock()
}

// Accept adopts an upgraded WebSocket connection and returns its synthetic
// address. Pumps run until the connection drops or the hub closes.
func (h *WSHub) Accept(conn *websocket.Conn) string {
	addr := wsPrefix + uuid.NewString()
	p := &wsPeer{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.conns[addr] = p
	h.mu.Unlock()

	log.Info().Str("module", "transport.ws").Str("addr", addr).Msg("ws client attached")

	go h.writePump(p)
	go h.readPump(addr, p)
	return addr
}

func (h *WSHub) writePump(p *wsPeer) {
	for {
		select {
		case <-h.done:
			return
		case data, ok := <-p.send:
			if !ok {
				return
			}
			if err := p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *WSHub) readPump(addr string, p *wsPeer) {
	defer func() {
		p.close()
		h.mu.Lock()
		delete(h.conns, addr)
		h.mu.Unlock()
		log.Info().Str("module", "transport.ws").Str("addr", addr).Msg("ws client detached")
	}()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case h.inbound <- memDatagram{from: addr, data: data}:
		case <-h.done:
			return
		}
	}
}

func (h *WSHub) write(p []byte, addr string) error {
	h.mu.RLock()
	peer, ok := h.conns[addr]
	h.mu.RUnlock()
	if !ok {
		return nil // detached client: silent drop, datagram semantics
	}
	return peer.trySend(p)
}

func (h *WSHub) Close() error {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for _, p := range h.conns {
			p.close()
		}
		h.conns = map[string]*wsPeer{}
		h.mu.Unlock()
	})
	return nil
}

// Mux merges a primary PacketConn (UDP) with a WSHub into one PacketConn,
// routing writes by address prefix.
type Mux struct {
	primary PacketConn
	hub     *WSHub
	merged  chan memDatagram
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func NewMux(primary PacketConn, hub *WSHub) *Mux {
	m := &Mux{
		primary: primary,
		hub:     hub,
		merged:  make(chan memDatagram, 1024),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go m.pumpPrimary()
	go m.pumpHub()
	return m
}

func (m *Mux) pumpPrimary() {
	for {
		data, from, err := m.primary.ReadFrom()
		if err != nil {
			select {
			case m.errs <- err:
			default:
			}
			return
		}
		select {
		case m.merged <- memDatagram{from: from, data: data}:
		case <-m.done:
			return
		}
	}
}

func (m *Mux) pumpHub() {
	for {
		select {
		case d := <-m.hub.inbound:
			select {
			case m.merged <- d:
			case <-m.done:
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Mux) WriteTo(p []byte, addr string) error {
	if len(addr) > len(wsPrefix) && addr[:len(wsPrefix)] == wsPrefix {
		return m.hub.write(p, addr)
	}
	return m.primary.WriteTo(p, addr)
}

func (m *Mux) ReadFrom() ([]byte, string, error) {
	select {
	case d := <-m.merged:
		return d.data, d.from, nil
	case err := <-m.errs:
		return nil, "", fmt.Errorf("mux primary: %w", err)
	case <-m.done:
		return nil, "", errors.New("mux closed")
	}
}

func (m *Mux) LocalAddr() string { return m.primary.LocalAddr() }

func (m *Mux) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		err = m.primary.Close()
		_ = m.hub.Close()
	})
	return err
}
