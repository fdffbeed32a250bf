package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/retail/inventory-auth/internal/api/handler"
	"github.com/retail/inventory-auth/internal/core/domain"
	"github.com/retail/inventory-auth/internal/core/service"
	"github.com/retail/inventory-auth/internal/infrastructure/db/sqlite"
	"github.com/retail/inventory-auth/internal/pkg/password"
)

func newTestRouter(t *testing.T) *echo.Echo {
	t.Helper()
	e, _ := newTestRouterWithManager(t)
	return e
}

func newTestRouterWithManager(t *testing.T) (*echo.Echo, *service.CredentialManager) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "credentials.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key, err := service.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tokens, err := service.NewTokenService(key, time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	mgr := service.NewCredentialManager(store, password.NewBcryptHasher(bcrypt.MinCost), zerolog.Nop())
	e := NewRouter(Deps{
		Credentials: mgr,
		Tokens:      tokens,
		Checks:      map[string]handler.PingFunc{"store": store.Ping},
		Log:         zerolog.Nop(),
		Registry:    prometheus.NewRegistry(),
	})
	return e, mgr
}

// loginAs seeds username with role through the manager and logs in over HTTP.
func loginAs(t *testing.T, e *echo.Echo, mgr *service.CredentialManager, username, role string) string {
	t.Helper()
	if _, err := mgr.Register(context.Background(), username, "password1", role); err != nil {
		t.Fatalf("seed %s: %v", username, err)
	}
	rec := do(e, http.MethodPost, "/auth/login", `{"username":"`+username+`","password":"password1"}`, "")
	expectStatus(t, rec, http.StatusOK)
	return tokenFrom(t, rec)
}

func do(e *echo.Echo, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func tokenFrom(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("expected token in %q (err=%v)", rec.Body.String(), err)
	}
	return resp.Token
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, rec.Code, rec.Body.String())
	}
}

func TestRouter_AuthFlow(t *testing.T) {
	e := newTestRouter(t)

	rec := do(e, http.MethodPost, "/auth/register", `{"username":"alice","password":"password1"}`, "")
	expectStatus(t, rec, http.StatusCreated)
	clerkToken := tokenFrom(t, rec)

	rec = do(e, http.MethodPost, "/auth/register", `{"username":"alice","password":"password2"}`, "")
	expectStatus(t, rec, http.StatusConflict)

	rec = do(e, http.MethodPost, "/auth/login", `{"username":"alice","password":"password2"}`, "")
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = do(e, http.MethodPost, "/auth/login", `{"username":"nobody","password":"password1"}`, "")
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = do(e, http.MethodPost, "/auth/login", `{"username":"alice","password":"password1"}`, "")
	expectStatus(t, rec, http.StatusOK)
	loginToken := tokenFrom(t, rec)

	for _, token := range []string{clerkToken, loginToken} {
		rec = do(e, http.MethodGet, "/auth/me", "", token)
		expectStatus(t, rec, http.StatusOK)
		if !strings.Contains(rec.Body.String(), `"username":"alice"`) || !strings.Contains(rec.Body.String(), `"role":"clerk"`) {
			t.Fatalf("unexpected identity: %s", rec.Body.String())
		}
	}
}

func TestRouter_AdminLookup(t *testing.T) {
	e, mgr := newTestRouterWithManager(t)

	rec := do(e, http.MethodPost, "/auth/register", `{"username":"clerk1","password":"password1"}`, "")
	expectStatus(t, rec, http.StatusCreated)
	clerkToken := tokenFrom(t, rec)

	adminToken := loginAs(t, e, mgr, "root", domain.RoleAdmin)

	expectStatus(t, do(e, http.MethodGet, "/users/clerk1", "", ""), http.StatusUnauthorized)
	expectStatus(t, do(e, http.MethodGet, "/users/clerk1", "", "not-a-token"), http.StatusUnauthorized)
	expectStatus(t, do(e, http.MethodGet, "/users/clerk1", "", clerkToken), http.StatusForbidden)
	expectStatus(t, do(e, http.MethodGet, "/users/ghost", "", adminToken), http.StatusNotFound)

	rec = do(e, http.MethodGet, "/users/clerk1", "", adminToken)
	expectStatus(t, rec, http.StatusOK)
	var user map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if user["username"] != "clerk1" || user["role"] != "clerk" || user["id"] == "" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, leaked := user["password_hash"]; leaked {
		t.Fatalf("password hash leaked: %+v", user)
	}
}

func TestRouter_SelfRegisteredAdminRoleIsIgnored(t *testing.T) {
	e, mgr := newTestRouterWithManager(t)
	if _, err := mgr.Register(context.Background(), "victim", "password1", domain.RoleClerk); err != nil {
		t.Fatalf("seed victim: %v", err)
	}

	rec := do(e, http.MethodPost, "/auth/register", `{"username":"mallory","password":"password1","role":"admin"}`, "")
	expectStatus(t, rec, http.StatusCreated)
	if !strings.Contains(rec.Body.String(), `"role":"clerk"`) {
		t.Fatalf("expected clerk account, got %s", rec.Body.String())
	}
	token := tokenFrom(t, rec)

	expectStatus(t, do(e, http.MethodGet, "/users/victim", "", token), http.StatusForbidden)
	expectStatus(t, do(e, http.MethodPost, "/users", `{"username":"mallory2","password":"password1","role":"admin"}`, token), http.StatusForbidden)

	rec = do(e, http.MethodGet, "/auth/me", "", token)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"role":"clerk"`) {
		t.Fatalf("expected clerk identity, got %s", rec.Body.String())
	}
}

func TestRouter_AdminCreatesUserWithRole(t *testing.T) {
	e, mgr := newTestRouterWithManager(t)
	adminToken := loginAs(t, e, mgr, "root", domain.RoleAdmin)

	body := `{"username":"boss","password":"password1","role":"admin"}`
	expectStatus(t, do(e, http.MethodPost, "/users", body, ""), http.StatusUnauthorized)

	rec := do(e, http.MethodPost, "/users", body, adminToken)
	expectStatus(t, rec, http.StatusCreated)
	if strings.Contains(rec.Body.String(), "token") {
		t.Fatalf("create user must not return a token: %s", rec.Body.String())
	}
	expectStatus(t, do(e, http.MethodPost, "/users", body, adminToken), http.StatusConflict)

	rec = do(e, http.MethodPost, "/auth/login", `{"username":"boss","password":"password1"}`, "")
	expectStatus(t, rec, http.StatusOK)
	bossToken := tokenFrom(t, rec)
	expectStatus(t, do(e, http.MethodGet, "/users/root", "", bossToken), http.StatusOK)
}

func TestRouter_RejectsBadInput(t *testing.T) {
	e := newTestRouter(t)

	expectStatus(t, do(e, http.MethodPost, "/auth/register", `{"username":"a b","password":"password1"}`, ""), http.StatusBadRequest)
	expectStatus(t, do(e, http.MethodPost, "/auth/register", `{"username":"bob","password":"short"}`, ""), http.StatusBadRequest)
	expectStatus(t, do(e, http.MethodPost, "/auth/login", `{`, ""), http.StatusBadRequest)
	expectStatus(t, do(e, http.MethodGet, "/auth/me", "", ""), http.StatusUnauthorized)
	expectStatus(t, do(e, http.MethodGet, "/nowhere", "", ""), http.StatusNotFound)
}

func TestRouter_OpsEndpoints(t *testing.T) {
	e := newTestRouter(t)

	expectStatus(t, do(e, http.MethodGet, "/health", "", ""), http.StatusOK)

	rec := do(e, http.MethodGet, "/health/ready", "", "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"store"`) {
		t.Fatalf("expected store check in %s", rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/metrics", "", "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "inventory_auth") {
		t.Fatalf("expected http metrics, got %s", rec.Body.String())
	}
}

func TestRouter_ReadinessDegraded(t *testing.T) {
	e := NewRouter(Deps{
		Checks:   map[string]handler.PingFunc{"cache": func(context.Context) error { return context.DeadlineExceeded }},
		Log:      zerolog.Nop(),
		Registry: prometheus.NewRegistry(),
	})

	rec := do(e, http.MethodGet, "/health/ready", "", "")
	expectStatus(t, rec, http.StatusServiceUnavailable)
}
