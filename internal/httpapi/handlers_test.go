package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"authgate.org/internal/auth"
	"authgate.org/internal/cache"
)

// fakeStore is an in-memory auth.Store for exercising the HTTP layer.
type fakeStore struct {
	mu         sync.Mutex
	principals map[string]*auth.Principal
	grants     map[string]auth.Grants
	sessions   map[string]*auth.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		principals: map[string]*auth.Principal{},
		grants:     map[string]auth.Grants{},
		sessions:   map[string]*auth.Session{},
	}
}

func (f *fakeStore) FindPrincipalByEmail(_ context.Context, email string) (*auth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.principals {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, auth.ErrPrincipalNotFound
}

func (f *fakeStore) FindPrincipal(_ context.Context, id string) (*auth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok {
		return nil, auth.ErrPrincipalNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) UpdateLockout(_ context.Context, id string, attempts int, lockedUntil *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok {
		return auth.ErrPrincipalNotFound
	}
	p.FailedAttempts = attempts
	p.LockedUntil = lockedUntil
	return nil
}

func (f *fakeStore) RecordLogin(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok {
		return auth.ErrPrincipalNotFound
	}
	now := time.Now().UTC()
	p.FailedAttempts = 0
	p.LockedUntil = nil
	p.LastLogin = &now
	return nil
}

func (f *fakeStore) UpdatePassword(_ context.Context, id, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok {
		return auth.ErrPrincipalNotFound
	}
	p.PasswordHash = passwordHash
	return nil
}

func (f *fakeStore) ResolveGrants(_ context.Context, id string) (auth.Grants, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok || !p.Active {
		return auth.Grants{}, auth.ErrPrincipalNotFound
	}
	return f.grants[id], nil
}

func (f *fakeStore) PersistSession(_ context.Context, sess *auth.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) MarkSessionRevokedByJTI(_ context.Context, jti, revokerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.JTI == jti && !s.Revoked {
			now := time.Now().UTC()
			s.Revoked = true
			s.RevokedAt = &now
			s.RevokedBy = revokerID
		}
	}
	return nil
}

func (f *fakeStore) IsSessionRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.JTI == jti {
			return s.Revoked, nil
		}
	}
	return false, nil
}

func (f *fakeStore) FindSession(_ context.Context, principalID, sessionID string) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.PrincipalID != principalID {
		return nil, auth.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListSessions(_ context.Context, principalID string) ([]*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*auth.Session
	for _, s := range f.sessions {
		if s.PrincipalID == principalID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

type apiFixture struct {
	api   *API
	store *fakeStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newFakeStore()
	iss, err := auth.NewIssuer("httpapi-test-secret")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc, err := auth.NewService(store, cache.NewRedis(client), iss)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &apiFixture{api: New(svc, ReadyProbe{}, "test"), store: store}
}

func (f *apiFixture) addUser(t *testing.T, id, email, password string, grants auth.Grants) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.principals[id] = &auth.Principal{
		ID: id, Email: email, PasswordHash: hash, Active: true, Verified: true,
	}
	f.store.grants[id] = grants
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:50000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) login(t *testing.T, email, password string) loginResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: email, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body.String())
	}
	var res loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return res
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("dial refused") }

func TestReadyzReportsDependencyOutage(t *testing.T) {
	f := newAPIFixture(t)
	f.api.readyProbe = ReadyProbe{Cache: failingPinger{}}
	rec := f.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
}

func TestLoginVerifyLogoutFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "u1", "alice@example.com", "s3cret", auth.Grants{
		Roles: []string{"admin"}, Permissions: []string{"users:read"},
	})

	res := f.login(t, "alice@example.com", "s3cret")
	if res.Tokens.AccessToken == "" || res.Tokens.TokenType != "Bearer" {
		t.Fatalf("unexpected token payload: %+v", res.Tokens)
	}
	if res.User.ID != "u1" || len(res.User.Roles) != 1 {
		t.Fatalf("unexpected user payload: %+v", res.User)
	}

	rec := f.do(t, http.MethodPost, "/v1/auth/verify", res.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status %d: %s", rec.Code, rec.Body.String())
	}
	var verify struct {
		Valid  bool   `json:"valid"`
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verify); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if !verify.Valid || verify.UserID != "u1" {
		t.Fatalf("unexpected verify payload: %+v", verify)
	}
	if verify.Email != "alice@example.com" {
		t.Fatalf("verify must return the profile email, got %+v", verify)
	}

	rec = f.do(t, http.MethodPost, "/v1/auth/logout", res.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/auth/verify", res.Tokens.AccessToken, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout verify status %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid token") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	// logout is idempotent
	rec = f.do(t, http.MethodPost, "/v1/auth/logout", res.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat logout status %d", rec.Code)
	}
}

func TestRevokedTokenRejectedLikeMalformed(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "u1", "alice@example.com", "s3cret", auth.Grants{})

	res := f.login(t, "alice@example.com", "s3cret")
	rec := f.do(t, http.MethodPost, "/v1/auth/logout", res.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status %d", rec.Code)
	}

	revoked := f.do(t, http.MethodPost, "/v1/auth/verify", res.Tokens.AccessToken, nil)
	malformed := f.do(t, http.MethodPost, "/v1/auth/verify", "not-a-token", nil)

	for _, rec := range []*httptest.ResponseRecorder{revoked, malformed} {
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d, want 401", rec.Code)
		}
	}
	// identical error body: a revoked answer must not confirm the token
	// was ever issued
	var a, b map[string]any
	_ = json.Unmarshal(revoked.Body.Bytes(), &a)
	_ = json.Unmarshal(malformed.Body.Bytes(), &b)
	if a["error"] != b["error"] || a["error"] != "invalid token" {
		t.Fatalf("bodies differ: %v vs %v", a["error"], b["error"])
	}
}

func TestLoginRejectsBadCredentialsUniformly(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "u1", "alice@example.com", "s3cret", auth.Grants{})

	unknown := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "ghost@example.com", Password: "s3cret"})
	wrongPw := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "alice@example.com", Password: "nope"})

	for _, rec := range []*httptest.ResponseRecorder{unknown, wrongPw} {
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d, want 401", rec.Code)
		}
	}
	// identical error body prevents account enumeration
	var a, b map[string]any
	_ = json.Unmarshal(unknown.Body.Bytes(), &a)
	_ = json.Unmarshal(wrongPw.Body.Bytes(), &b)
	if a["error"] != b["error"] || a["error"] != "invalid credentials" {
		t.Fatalf("bodies differ: %v vs %v", a["error"], b["error"])
	}
}

func TestLockoutAnswers423WithRetryAfter(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "u1", "alice@example.com", "s3cret", auth.Grants{})

	for i := 0; i < 5; i++ {
		rec := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "alice@example.com", Password: "wrong"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("failure %d status %d", i+1, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "alice@example.com", Password: "s3cret"})
	if rec.Code != http.StatusLocked {
		t.Fatalf("status %d, want 423", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
}

func TestRefreshEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "u1", "alice@example.com", "s3cret", auth.Grants{Roles: []string{"user"}})

	res := f.login(t, "alice@example.com", "s3cret")

	rec := f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: res.Tokens.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body.String())
	}
	var next loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	if next.Tokens.AccessToken == res.Tokens.AccessToken {
		t.Fatal("refresh must mint a new access token")
	}

	// an access token in the refresh slot is rejected
	rec = f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: res.Tokens.AccessToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong-type status %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body status %d, want 400", rec.Code)
	}
}

func TestSessionsListAndRevoke(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "u1", "alice@example.com", "s3cret", auth.Grants{})

	first := f.login(t, "alice@example.com", "s3cret")
	second := f.login(t, "alice@example.com", "s3cret")

	rec := f.do(t, http.MethodGet, "/v1/auth/sessions", second.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions status %d: %s", rec.Code, rec.Body.String())
	}
	var listing struct {
		Sessions []auth.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(listing.Sessions) != 2 {
		t.Fatalf("want 2 sessions, got %d", len(listing.Sessions))
	}

	var currentCount int
	var oldID string
	for _, s := range listing.Sessions {
		if s.Current {
			currentCount++
		} else {
			oldID = s.ID
		}
	}
	if currentCount != 1 || oldID == "" {
		t.Fatalf("current marker wrong: %+v", listing.Sessions)
	}

	rec = f.do(t, http.MethodDelete, "/v1/auth/sessions/"+oldID, second.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/auth/verify", first.Tokens.AccessToken, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session verify status %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/v1/auth/sessions/does-not-exist", second.Tokens.AccessToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status %d, want 404", rec.Code)
	}
}

func TestCheckPermissionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "u1", "alice@example.com", "s3cret", auth.Grants{
		Permissions: []string{"users:read"},
	})
	res := f.login(t, "alice@example.com", "s3cret")

	rec := f.do(t, http.MethodPost, "/v1/auth/check-permission", res.Tokens.AccessToken,
		checkPermissionRequest{Permission: "users:read"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Granted bool `json:"granted"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Granted {
		t.Fatal("expected granted")
	}

	rec = f.do(t, http.MethodPost, "/v1/auth/check-permission", res.Tokens.AccessToken,
		checkPermissionRequest{Permission: "users:delete"})
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if rec.Code != http.StatusOK || out.Granted {
		t.Fatalf("expected denied, status %d granted %v", rec.Code, out.Granted)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "u1", "alice@example.com", "old-pass", auth.Grants{})
	res := f.login(t, "alice@example.com", "old-pass")

	rec := f.do(t, http.MethodPost, "/v1/auth/change-password", res.Tokens.AccessToken,
		changePasswordRequest{CurrentPassword: "wrong", NewPassword: "new-pass"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong current status %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/auth/change-password", res.Tokens.AccessToken,
		changePasswordRequest{CurrentPassword: "old-pass", NewPassword: "new-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("change status %d: %s", rec.Code, rec.Body.String())
	}

	f.login(t, "alice@example.com", "new-pass")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)
	paths := []struct{ method, path string }{
		{http.MethodGet, "/v1/auth/sessions"},
		{http.MethodDelete, "/v1/auth/sessions/s1"},
		{http.MethodPost, "/v1/auth/check-permission"},
		{http.MethodPost, "/v1/auth/change-password"},
		{http.MethodPost, "/v1/auth/logout"},
	}
	for _, tc := range paths {
		rec := f.do(t, tc.method, tc.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status %d, want 401", tc.method, tc.path, rec.Code)
		}
	}

	rec := f.do(t, http.MethodGet, "/v1/auth/sessions", "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d, want 401", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/auth/login", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow header %q", rec.Header().Get("Allow"))
	}
}
