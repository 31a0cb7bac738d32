package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrnet/facilitator/internal/domain"
)

func udpEndpoint(addr string) domain.Endpoint {
	return domain.Endpoint{Network: "udp", Addr: addr, Kind: domain.EndpointPublic}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(Config{LivenessTimeout: time.Minute}, nil)

	s, err := r.Register("tok-1", udpEndpoint("1.2.3.4:5000"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	got, ok := r.Lookup("1.2.3.4:5000")
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
}

func TestDuplicateTokenRejected(t *testing.T) {
	r := New(Config{LivenessTimeout: time.Minute}, nil)

	_, err := r.Register("tok-1", udpEndpoint("1.2.3.4:5000"), nil)
	require.NoError(t, err)

	// Same token from another address while the first session is live.
	_, err = r.Register("tok-1", udpEndpoint("5.6.7.8:6000"), nil)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestInvalidTokenRejected(t *testing.T) {
	r := New(Config{LivenessTimeout: time.Minute}, nil)
	_, err := r.Register("", udpEndpoint("1.2.3.4:5000"), nil)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestPluggableValidator(t *testing.T) {
	r := New(Config{LivenessTimeout: time.Minute}, func(token string) bool {
		return token == "secret"
	})

	_, err := r.Register("not-secret", udpEndpoint("1.2.3.4:5000"), nil)
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	_, err = r.Register("secret", udpEndpoint("1.2.3.4:5000"), nil)
	assert.NoError(t, err)
}

func TestSessionCap(t *testing.T) {
	r := New(Config{MaxSessions: 1, LivenessTimeout: time.Minute}, nil)

	_, err := r.Register("tok-1", udpEndpoint("1.1.1.1:1"), nil)
	require.NoError(t, err)

	_, err = r.Register("tok-2", udpEndpoint("2.2.2.2:2"), nil)
	assert.ErrorIs(t, err, domain.ErrCapacity)
}

func TestTokenFreedAfterRemove(t *testing.T) {
	r := New(Config{LivenessTimeout: time.Minute}, nil)

	s, err := r.Register("tok-1", udpEndpoint("1.1.1.1:1"), nil)
	require.NoError(t, err)
	r.Remove(s.ID)

	_, err = r.Register("tok-1", udpEndpoint("1.1.1.1:1"), nil)
	assert.NoError(t, err)
}

func TestExpireSweep(t *testing.T) {
	r := New(Config{LivenessTimeout: 50 * time.Millisecond}, nil)

	stale, err := r.Register("tok-stale", udpEndpoint("1.1.1.1:1"), nil)
	require.NoError(t, err)
	fresh, err := r.Register("tok-fresh", udpEndpoint("2.2.2.2:2"), nil)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	r.Touch(fresh.ID)

	expired := r.ExpireSweep(time.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Equal(t, domain.SessionDisconnected, expired[0].State)

	_, ok := r.Get(stale.ID)
	assert.False(t, ok)
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
}

func TestTouchAddrRefreshesLiveness(t *testing.T) {
	r := New(Config{LivenessTimeout: 50 * time.Millisecond}, nil)

	s, err := r.Register("tok-1", udpEndpoint("1.1.1.1:1"), nil)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	r.TouchAddr("1.1.1.1:1", time.Now())

	expired := r.ExpireSweep(time.Now())
	assert.Empty(t, expired)
	_, ok := r.Get(s.ID)
	assert.True(t, ok)
}
