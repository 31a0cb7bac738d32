package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		RetransmitBase: 20 * time.Millisecond,
		RetransmitCap:  100 * time.Millisecond,
		MaxRetransmits: 10,
		ReorderWindow:  64,
	}
}

func collect(t *testing.T, ch <-chan Inbound, n int, timeout time.Duration) []Inbound {
	t.Helper()
	out := make([]Inbound, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case in, ok := <-ch:
			require.True(t, ok, "packet stream closed early")
			out = append(out, in)
		case <-deadline:
			t.Fatalf("timed out with %d/%d packets", len(out), n)
		}
	}
	return out
}

func TestUnreliableDelivery(t *testing.T) {
	net := NewMemNetwork()
	a := New(net.Listen("a"), fastConfig())
	b := New(net.Listen("b"), fastConfig())
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send("b", []byte("hello"), Unreliable))
	got := collect(t, b.Packets(), 1, time.Second)
	assert.Equal(t, "hello", string(got[0].Payload))
	assert.Equal(t, Unreliable, got[0].Mode)
	assert.Equal(t, "a", got[0].From)
}

func TestReliableOrderedUnderLoss(t *testing.T) {
	net := NewMemNetwork()

	// Drop every third datagram from a to b on first sight; the
	// retransmit path has to recover them.
	var count atomic.Int64
	net.SetFilter(func(from, to string, p []byte) bool {
		if from == "a" && to == "b" {
			return count.Add(1)%3 != 0
		}
		return true
	})

	a := New(net.Listen("a"), fastConfig())
	b := New(net.Listen("b"), fastConfig())
	defer a.Close()
	defer b.Close()

	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send("b", []byte{byte(i)}, ReliableOrdered))
	}

	got := collect(t, b.Packets(), n, 5*time.Second)
	for i, in := range got {
		assert.Equal(t, byte(i), in.Payload[0], "delivery out of order at %d", i)
		assert.Equal(t, ReliableOrdered, in.Mode)
	}
}

// dupConn duplicates every write, exercising receiver-side deduplication.
type dupConn struct {
	PacketConn
}

func (d dupConn) WriteTo(p []byte, addr string) error {
	if err := d.PacketConn.WriteTo(p, addr); err != nil {
		return err
	}
	return d.PacketConn.WriteTo(p, addr)
}

func TestReliableUnorderedDeduplicates(t *testing.T) {
	net := NewMemNetwork()
	a := New(dupConn{net.Listen("a")}, fastConfig())
	b := New(net.Listen("b"), fastConfig())
	defer a.Close()
	defer b.Close()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send("b", []byte{byte(i)}, ReliableUnordered))
	}

	got := collect(t, b.Packets(), n, 5*time.Second)
	seen := map[byte]int{}
	for _, in := range got {
		seen[in.Payload[0]]++
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, 1, seen[byte(i)], "payload %d delivered wrong number of times", i)
	}

	// No extra deliveries show up afterwards.
	select {
	case in := <-b.Packets():
		t.Fatalf("unexpected duplicate delivery: %v", in.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRetransmitBudgetReportsPeerFailure(t *testing.T) {
	net := NewMemNetwork()

	var mu sync.Mutex
	var failedAddr string
	a := New(net.Listen("a"), Config{
		RetransmitBase: 10 * time.Millisecond,
		RetransmitCap:  20 * time.Millisecond,
		MaxRetransmits: 3,
	}, WithPeerFailureObserver(func(addr string) {
		mu.Lock()
		failedAddr = addr
		mu.Unlock()
	}))
	defer a.Close()

	// Nobody listens on "void": the reliable send can never be acked.
	require.NoError(t, a.Send("void", []byte("lost"), ReliableOrdered))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedAddr == "void"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLivenessObserver(t *testing.T) {
	net := NewMemNetwork()

	var mu sync.Mutex
	seen := map[string]time.Time{}
	a := New(net.Listen("a"), fastConfig(), WithLivenessObserver(func(addr string, at time.Time) {
		mu.Lock()
		seen[addr] = at
		mu.Unlock()
	}))
	b := New(net.Listen("b"), fastConfig())
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.Send("a", []byte("ping"), Unreliable))
	collect(t, a.Packets(), 1, time.Second)

	mu.Lock()
	_, ok := seen["b"]
	mu.Unlock()
	assert.True(t, ok, "liveness observer not invoked for sender")
}

func TestForgetCancelsRetransmissions(t *testing.T) {
	net := NewMemNetwork()

	var failed atomic.Bool
	a := New(net.Listen("a"), Config{
		RetransmitBase: 10 * time.Millisecond,
		MaxRetransmits: 3,
	}, WithPeerFailureObserver(func(string) { failed.Store(true) }))
	defer a.Close()

	require.NoError(t, a.Send("void", []byte("x"), ReliableOrdered))
	a.Forget("void")

	time.Sleep(200 * time.Millisecond)
	assert.False(t, failed.Load(), "forgotten peer still reported failed")
}
