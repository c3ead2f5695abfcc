package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sitekeeper/admin-service/internal/auth"
	"sitekeeper/admin-service/internal/metrics"
	"sitekeeper/admin-service/internal/store"
	"sitekeeper/admin-service/internal/store/jsonfile"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	users, err := jsonfile.Open(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	require.NoError(t, users.Create(context.Background(), &store.User{
		ID:       "u-1",
		Username: "alice",
		Credentials: []store.Credential{{
			ID:           "cred-1",
			PublicKey:    "secret-key-material",
			DeviceName:   "laptop",
			Transports:   []string{"usb"},
			RegisteredAt: time.Now().UTC(),
		}},
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, users.Create(context.Background(), &store.User{
		ID:          "u-2",
		Username:    "bob",
		Credentials: []store.Credential{{ID: "cred-2", PublicKey: "k2", RegisteredAt: time.Now().UTC()}},
		CreatedAt:   time.Now().UTC(),
	}))

	h := NewHandler(users, prometheus.NewRegistry(), 1<<16)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.Principal{SessionID: "s", UserID: "u-1", Username: "alice"}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	})
	h.Routes(r)
	return h, r
}

func TestListCredentials_OmitsKeyMaterial(t *testing.T) {
	_, srv := newTestHandler(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/credentials", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-key-material")
	assert.NotContains(t, rec.Body.String(), "cred-2")

	var body struct {
		Credentials []credentialView `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Credentials, 1)
	assert.Equal(t, "cred-1", body.Credentials[0].ID)
	assert.Equal(t, "laptop", body.Credentials[0].DeviceName)
}

func TestListCredentials_RequiresPrincipal(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.ListCredentials(rec, httptest.NewRequest(http.MethodGet, "/credentials", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRenameCredential(t *testing.T) {
	h, srv := newTestHandler(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/credentials/cred-1", strings.NewReader(`{"deviceName":"  work key "}`))
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := h.users.FindByID(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "work key", u.Credentials[0].DeviceName)
}

func TestRenameCredential_OtherUsersCredentialIsNotFound(t *testing.T) {
	h, srv := newTestHandler(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/credentials/cred-2", strings.NewReader(`{"deviceName":"mine"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	u, err := h.users.FindByID(context.Background(), "u-2")
	require.NoError(t, err)
	assert.Empty(t, u.Credentials[0].DeviceName)
}

func TestRenameCredential_Validation(t *testing.T) {
	_, srv := newTestHandler(t)

	rec := httptest.NewRecorder()
	long := strings.Repeat("x", maxDeviceNameLen+1)
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/credentials/cred-1", strings.NewReader(`{"deviceName":"`+long+`"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_failed")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/credentials/cred-1", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_json")
}

func TestStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.LoginAttempts, metrics.CSRFRejections, metrics.SessionsActive, metrics.StoreCircuitState)

	metrics.LoginAttempts.WithLabelValues("password", "success").Add(2)
	metrics.CSRFRejections.Inc()
	metrics.SessionsActive.Set(3)
	metrics.StoreCircuitState.WithLabelValues("store").Set(1)

	h := &Handler{gatherer: reg, started: time.Now().Add(-time.Minute)}
	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.GreaterOrEqual(t, stats["logins"]["password_success"], 2.0)
	assert.GreaterOrEqual(t, stats["security"]["csrf_rejections"], 1.0)
	assert.Equal(t, 3.0, stats["sessions"]["active"])
	assert.Equal(t, "open", stats["store"]["store"])
	assert.GreaterOrEqual(t, stats["system"]["uptime_sec"], 60.0)
}
