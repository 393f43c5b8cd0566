package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"codeground/internal/metrics"
	"codeground/internal/model"
	"codeground/internal/registry"
	"codeground/internal/service"
)

type stubStore map[string]*model.Snapshot

func (l stubStore) Load(_ context.Context, id string) (*model.Snapshot, error) {
	if s, ok := l[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (l stubStore) Delete(_ context.Context, id string) error {
	delete(l, id)
	return nil
}

func newTestRouter(t *testing.T, auth *service.AuthService) (http.Handler, *registry.Registry) {
	t.Helper()
	return newTestRouterWithLog(t, auth, zap.NewNop())
}

func newTestRouterWithLog(t *testing.T, auth *service.AuthService, log *zap.Logger) (http.Handler, *registry.Registry) {
	t.Helper()
	reg := registry.New(model.DefaultLanguage)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.ActiveSessions)
	return NewRouter(&Container{
		Registry: reg,
		Snapshots: stubStore{
			"archived": {ID: "archived", Document: "old", Language: "c"},
		},
		AuthService: auth,
		Gatherer:    promReg,
		CORSOrigins: "https://editor.example",
		Log:         log,
	}), reg
}

func do(h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRouter_Health(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	w := do(h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRouter_ListSessions(t *testing.T) {
	req := require.New(t)
	h, reg := newTestRouter(t, nil)
	_, err := reg.AddParticipant("abc", "c-1", "alice")
	req.NoError(err)
	_, err = reg.AddParticipant("abc", "c-2", "bob")
	req.NoError(err)

	w := do(h, http.MethodGet, "/v1/sessions", "", nil)
	req.Equal(http.StatusOK, w.Code)

	var got []model.SessionSummary
	req.NoError(jsoniter.Unmarshal(w.Body.Bytes(), &got))
	req.Equal([]model.SessionSummary{{ID: "abc", Participants: 2, Language: model.DefaultLanguage}}, got)
}

func TestRouter_GetSession(t *testing.T) {
	req := require.New(t)
	h, reg := newTestRouter(t, nil)
	_, err := reg.AddParticipant("abc", "c-1", "alice")
	req.NoError(err)
	req.NoError(reg.UpdateDocument("abc", "live code"))

	// Live sessions come from the registry
	w := do(h, http.MethodGet, "/v1/sessions/abc", "", nil)
	req.Equal(http.StatusOK, w.Code)
	var live map[string]interface{}
	req.NoError(jsoniter.Unmarshal(w.Body.Bytes(), &live))
	req.Equal("live code", live["code"])
	req.Equal(true, live["live"])

	// Destroyed sessions fall back to storage
	w = do(h, http.MethodGet, "/v1/sessions/archived", "", nil)
	req.Equal(http.StatusOK, w.Code)
	var stored map[string]interface{}
	req.NoError(jsoniter.Unmarshal(w.Body.Bytes(), &stored))
	req.Equal("old", stored["code"])
	req.Equal(false, stored["live"])

	w = do(h, http.MethodGet, "/v1/sessions/missing", "", nil)
	req.Equal(http.StatusNotFound, w.Code)
}

func TestRouter_IssueToken(t *testing.T) {
	req := require.New(t)
	auth := service.NewAuthService("secret", time.Hour)
	h, _ := newTestRouter(t, auth)

	w := do(h, http.MethodPost, "/v1/sessions/abc/token", `{"username":"alice"}`, nil)
	req.Equal(http.StatusCreated, w.Code)
	var tok model.TokenResponse
	req.NoError(jsoniter.Unmarshal(w.Body.Bytes(), &tok))
	req.Equal("abc", tok.SessionID)

	claims, err := auth.ValidateParticipantToken(tok.Token)
	req.NoError(err)
	req.Equal("alice", claims.Username)

	w = do(h, http.MethodPost, "/v1/sessions/abc/token", `{"username":""}`, nil)
	req.Equal(http.StatusBadRequest, w.Code)

	w = do(h, http.MethodPost, "/v1/sessions/abc/token", `not json`, nil)
	req.Equal(http.StatusBadRequest, w.Code)
}

func TestRouter_IssueToken_Disabled(t *testing.T) {
	h, _ := newTestRouter(t, service.NewAuthService("", time.Hour))
	w := do(h, http.MethodPost, "/v1/sessions/abc/token", `{"username":"alice"}`, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_GetSession_RequiresScopedToken(t *testing.T) {
	req := require.New(t)
	auth := service.NewAuthService("secret", time.Hour)
	h, reg := newTestRouter(t, auth)
	reg.GetOrCreate("abc")

	w := do(h, http.MethodGet, "/v1/sessions/abc", "", nil)
	req.Equal(http.StatusUnauthorized, w.Code)

	other, err := auth.GenerateParticipantToken("xyz", "alice")
	req.NoError(err)
	w = do(h, http.MethodGet, "/v1/sessions/abc", "", map[string]string{"Authorization": "Bearer " + other.Token})
	req.Equal(http.StatusForbidden, w.Code)

	mine, err := auth.GenerateParticipantToken("abc", "alice")
	req.NoError(err)
	w = do(h, http.MethodGet, "/v1/sessions/abc?token="+mine.Token, "", nil)
	req.Equal(http.StatusOK, w.Code)
}

func TestRouter_DeleteSession(t *testing.T) {
	req := require.New(t)
	core, logs := observer.New(zap.InfoLevel)
	auth := service.NewAuthService("secret", time.Hour)
	h, reg := newTestRouterWithLog(t, auth, zap.New(core))
	reg.GetOrCreate("live")

	// A token for another session is refused
	other, err := auth.GenerateParticipantToken("abc", "alice")
	req.NoError(err)
	w := do(h, http.MethodDelete, "/v1/sessions/archived", "", map[string]string{"Authorization": "Bearer " + other.Token})
	req.Equal(http.StatusForbidden, w.Code)

	// Live sessions cannot be deleted
	live, err := auth.GenerateParticipantToken("live", "alice")
	req.NoError(err)
	w = do(h, http.MethodDelete, "/v1/sessions/live", "", map[string]string{"Authorization": "Bearer " + live.Token})
	req.Equal(http.StatusConflict, w.Code)

	// An archived session is removed on behalf of the token holder
	mine, err := auth.GenerateParticipantToken("archived", "bob")
	req.NoError(err)
	w = do(h, http.MethodDelete, "/v1/sessions/archived", "", map[string]string{"Authorization": "Bearer " + mine.Token})
	req.Equal(http.StatusNoContent, w.Code)

	entries := logs.FilterMessage("archived session deleted").All()
	req.Len(entries, 1)
	req.Equal("bob", entries[0].ContextMap()["by"])

	w = do(h, http.MethodGet, "/v1/sessions/archived?token="+mine.Token, "", nil)
	req.Equal(http.StatusNotFound, w.Code)
}

func TestRouter_CORS(t *testing.T) {
	req := require.New(t)
	h, _ := newTestRouter(t, nil)

	w := do(h, http.MethodOptions, "/v1/sessions", "", map[string]string{"Origin": "https://editor.example"})
	req.Equal(http.StatusOK, w.Code)
	req.Equal("https://editor.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(h, http.MethodGet, "/v1/sessions", "", map[string]string{"Origin": "https://evil.example"})
	req.Empty(w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Metrics(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	w := do(h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "codeground_relay_active_sessions")
}
