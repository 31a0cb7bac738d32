package transport

import (
	"errors"
	"sync"
)

// MemNetwork is an in-memory datagram fabric for tests: addressable
// endpoints with an optional filter for injecting loss, duplication or
// partitions between specific peers.
type MemNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]*memConn
	filter func(from, to string, p []byte) bool // false drops the datagram
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nodes: make(map[string]*memConn)}
}

// SetFilter installs a delivery filter. The filter runs on the sender's
// goroutine; returning false silently drops the datagram.
func (n *MemNetwork) SetFilter(fn func(from, to string, p []byte) bool) {
	n.mu.Lock()
	n.filter = fn
	n.mu.Unlock()
}

// Listen creates an endpoint with the given address.
func (n *MemNetwork) Listen(addr string) PacketConn {
	c := &memConn{net: n, addr: addr, in: make(chan memDatagram, 1024), done: make(chan struct{})}
	n.mu.Lock()
	n.nodes[addr] = c
	n.mu.Unlock()
	return c
}

type memDatagram struct {
	from string
	data []byte
}

type memConn struct {
	net  *MemNetwork
	addr string
	in   chan memDatagram
	done chan struct{}
	once sync.Once
}

func (c *memConn) WriteTo(p []byte, addr string) error {
	c.net.mu.RLock()
	dst, ok := c.net.nodes[addr]
	filter := c.net.filter
	c.net.mu.RUnlock()
	if !ok {
		return nil // unreachable address behaves like a silent drop, UDP-style
	}
	if filter != nil && !filter(c.addr, addr, p) {
		return nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case dst.in <- memDatagram{from: c.addr, data: buf}:
	case <-dst.done:
	default:
		// receiver backlog full: drop, like a kernel socket buffer
	}
	return nil
}

func (c *memConn) ReadFrom() ([]byte, string, error) {
	select {
	case d := <-c.in:
		return d.data, d.from, nil
	case <-c.done:
		return nil, "", errors.New("memconn closed")
	}
}

func (c *memConn) LocalAddr() string { return c.addr }

func (c *memConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.net.mu.Lock()
		delete(c.net.nodes, c.addr)
		c.net.mu.Unlock()
	})
	return nil
}
