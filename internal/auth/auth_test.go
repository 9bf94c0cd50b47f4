package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/database"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type stubUserStore struct {
	byEmail map[string]*models.User
	byID    map[uuid.UUID]*models.User
}

func newStubUserStore() *stubUserStore {
	return &stubUserStore{
		byEmail: make(map[string]*models.User),
		byID:    make(map[uuid.UUID]*models.User),
	}
}

func (s *stubUserStore) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	if u, ok := s.byID[id]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func (s *stubUserStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	if u, ok := s.byEmail[email]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func (s *stubUserStore) CreateUser(_ context.Context, u *models.User) (*models.User, error) {
	s.byEmail[u.Email] = u
	s.byID[u.ID] = u
	return u, nil
}

func (s *stubUserStore) add(t *testing.T, email, password string, tier models.Tier) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u := &models.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		Tier:         tier,
		IsActive:     true,
	}
	s.byEmail[email] = u
	s.byID[u.ID] = u
	return u
}

func newTestService(store *stubUserStore) *Service {
	return NewService(store, "test-secret", time.Hour, zerolog.Nop())
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestRegisterCreatesFreeTierAccount(t *testing.T) {
	store := newStubUserStore()
	s := newTestService(store)

	w := postJSON(t, s.HandleRegister, credentials{Email: "New@Example.com", Password: "hunter2hunter2", Name: "New"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, models.TierFree, resp.User.Tier)

	stored, ok := store.byEmail["new@example.com"]
	require.True(t, ok, "email must be lowercased")
	assert.NotEqual(t, "hunter2hunter2", stored.PasswordHash)
}

func TestRegisterRejectsShortPasswordAndDuplicates(t *testing.T) {
	store := newStubUserStore()
	s := newTestService(store)

	w := postJSON(t, s.HandleRegister, credentials{Email: "a@b.co", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	store.add(t, "a@b.co", "password123", models.TierFree)
	w = postJSON(t, s.HandleRegister, credentials{Email: "a@b.co", Password: "password123"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	store := newStubUserStore()
	user := store.add(t, "pro@example.com", "password123", models.TierPro)
	s := newTestService(store)

	w := postJSON(t, s.HandleLogin, credentials{Email: "pro@example.com", Password: "password123"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	p, err := s.verifyToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.ID)
	assert.Equal(t, models.TierPro, p.Tier)
}

func TestLoginWrongPassword(t *testing.T) {
	store := newStubUserStore()
	store.add(t, "pro@example.com", "password123", models.TierPro)
	s := newTestService(store)

	w := postJSON(t, s.HandleLogin, credentials{Email: "pro@example.com", Password: "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginDisabledAccount(t *testing.T) {
	store := newStubUserStore()
	u := store.add(t, "off@example.com", "password123", models.TierPro)
	u.IsActive = false
	s := newTestService(store)

	w := postJSON(t, s.HandleLogin, credentials{Email: "off@example.com", Password: "password123"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddlewareAttachesPrincipal(t *testing.T) {
	store := newStubUserStore()
	user := store.add(t, "pro@example.com", "password123", models.TierPro)
	s := newTestService(store)

	token, err := s.issueToken(user)
	require.NoError(t, err)

	var seen *Principal
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, seen)
	assert.Equal(t, user.ID, seen.ID)
}

func TestMiddlewareRejections(t *testing.T) {
	s := newTestService(newStubUserStore())
	handler := s.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, header := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestRequireAdmin(t *testing.T) {
	store := newStubUserStore()
	adminUser := store.add(t, "admin@example.com", "password123", models.TierAdmin)
	proUser := store.add(t, "pro@example.com", "password123", models.TierPro)
	s := newTestService(store)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := s.Middleware(s.RequireAdmin(next))

	for _, tc := range []struct {
		user *models.User
		want int
	}{
		{adminUser, http.StatusNoContent},
		{proUser, http.StatusForbidden},
	} {
		token, err := s.issueToken(tc.user)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, tc.want, w.Code)
	}
}
