// Package transport implements the framed, acknowledgeable UDP primitive
// the facilitator and its clients speak: unreliable, reliable-unordered
// and reliable-ordered datagrams with retransmission, deduplication and
// bounded reordering.
package transport

import "time"

// Mode selects delivery semantics for a single datagram.
type Mode uint8

const (
	Unreliable Mode = iota
	ReliableUnordered
	ReliableOrdered
)

func (m Mode) String() string {
	switch m {
	case Unreliable:
		return "unreliable"
	case ReliableUnordered:
		return "reliable-unordered"
	case ReliableOrdered:
		return "reliable-ordered"
	}
	return "unknown"
}

// Inbound is one received datagram, after reliability processing.
type Inbound struct {
	From    string
	Payload []byte
	Mode    Mode
}

// PacketConn is the raw datagram socket under a Conn. Implementations:
// UDP socket, in-memory network, WebSocket hub mux.
type PacketConn interface {
	WriteTo(p []byte, addr string) error
	// ReadFrom blocks for the next datagram. Returns the sender address.
	ReadFrom() ([]byte, string, error)
	LocalAddr() string
	Close() error
}

// Config carries the reliability knobs. Zero values fall back to defaults;
// production values come from the config file.
type Config struct {
	RetransmitBase time.Duration // first resend delay, doubles per attempt
	RetransmitCap  time.Duration // backoff ceiling
	MaxRetransmits int           // attempts before the peer is reported failed
	ReorderWindow  uint32        // max distance buffered ahead of the expected seq
	InboundBuffer  int
}

func (c Config) withDefaults() Config {
	if c.RetransmitBase <= 0 {
		c.RetransmitBase = 200 * time.Millisecond
	}
	if c.RetransmitCap <= 0 {
		c.RetransmitCap = 3 * time.Second
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = 8
	}
	if c.ReorderWindow == 0 {
		c.ReorderWindow = 256
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 512
	}
	return c
}
