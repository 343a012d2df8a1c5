package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/adapters/signal"
	"github.com/dkeye/callsig/internal/adapters/store"
	"github.com/dkeye/callsig/internal/app"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/app/rooms"
	"github.com/dkeye/callsig/internal/config"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

type fixture struct {
	h     http.Handler
	store *store.Memory
	rooms *rooms.Directory
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	metrics.Register(prometheus.DefaultRegisterer)
	st := store.NewMemory()
	roomDir := rooms.NewDirectory(0)
	pairDir := rooms.NewDirectory(2)
	t.Cleanup(roomDir.Close)
	t.Cleanup(pairDir.Close)
	ctl := signal.NewSignalWSController(
		orch.New(app.NewRegistry(), roomDir, app.SimplePolicy{}),
		orch.New(app.NewRegistry(), pairDir, app.SimplePolicy{}),
		nil,
	)
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	r := SetupRouter(context.Background(), cfg, Deps{Signal: ctl, Store: st, Rooms: roomDir})
	return fixture{h: r, store: st, rooms: roomDir}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPatch, "/api/sessions/s1",
		`{"callerId":"alice","calleeId":"bob","callType":"audio","status":"ringing","offer":{"type":"offer","sdp":"v=0\r\n"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, domain.StatusRinging, rec.Status)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "v=0\r\n", rec.Offer.SDP)

	w = f.do(t, http.MethodPost, "/api/sessions/s1/candidates/caller", `{"candidate":"candidate:1"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, http.MethodGet, "/api/sessions/s1/candidates/caller", "")
	assert.JSONEq(t, `{"candidates":[{"candidate":"candidate:1"}]}`, w.Body.String())
	w = f.do(t, http.MethodGet, "/api/sessions/s1/candidates/callee", "")
	assert.JSONEq(t, `{"candidates":[]}`, w.Body.String())

	w = f.do(t, http.MethodPatch, "/api/sessions/s1", `{"status":"ended","clearOffer":true,"clearAnswer":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPatch, "/api/sessions/s1", `{"answer":{"type":"answer","sdp":"v=0"}}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodDelete, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPatchValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPatch, "/api/sessions/s1", `{"answer":{"type":"answer","sdp":"v=0"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPatch, "/api/sessions/s1", `{"callType":"hologram"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPatch, "/api/sessions/s1", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/sessions/s1/candidates/moderator", `{"candidate":"c"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoomsHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	_, err := f.rooms.Create("r1", "alice")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[{"roomId":"r1","participants":[{"id":"alice","isInitiator":true}]}]}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "callsig_relay_rooms")
}

func TestClientTokenCookieIssued(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Contains(t, w.Header().Get("Set-Cookie"), "ct=")
}
