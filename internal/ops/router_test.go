package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrnet/facilitator/internal/config"
	"github.com/vrnet/facilitator/internal/domain"
	"github.com/vrnet/facilitator/internal/server"
	"github.com/vrnet/facilitator/internal/transport"
)

func newTestRouter(t *testing.T) (*server.Server, http.Handler) {
	t.Helper()
	cfg := &config.Config{
		Mode: "release",
		Session: config.SessionConfig{
			Max:             16,
			LivenessTimeout: time.Minute,
		},
		Room: config.RoomConfig{
			Max:             16,
			DefaultCapacity: 8,
			EmptyGraceTTL:   time.Minute,
		},
		Punch: config.PunchConfig{Window: time.Second, MaxAttempts: 3},
	}
	net := transport.NewMemNetwork()
	srv, err := server.New(cfg, net.Listen("srv"), nil)
	require.NoError(t, err)
	return srv, SetupRouter(cfg, srv, nil)
}

func TestHealthz(t *testing.T) {
	_, r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStats(t *testing.T) {
	srv, r := newTestRouter(t)
	_, err := srv.Directory().Create(domain.RoomConfig{Name: "one"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats["rooms"])
	assert.Equal(t, 0, stats["sessions"])
}

func TestRoomListing(t *testing.T) {
	srv, r := newTestRouter(t)
	_, err := srv.Directory().Create(domain.RoomConfig{Name: "open"})
	require.NoError(t, err)
	_, err = srv.Directory().Create(domain.RoomConfig{Name: "hidden", Visibility: domain.VisibilityPrivate})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var rooms []domain.RoomInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "open", rooms[0].Name)

	// Name filter excludes non-matching rooms.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms?name=nope", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rooms))
	assert.Empty(t, rooms)
}
