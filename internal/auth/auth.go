// Package auth issues and verifies the bearer tokens the rest of the API
// consumes, and exposes the register/login/profile endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/database"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/httpx"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

type ctxKey int

const principalKey ctxKey = iota

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	ID    uuid.UUID
	Email string
	Tier  models.Tier
}

// WithPrincipal attaches a caller to a context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the caller set by Middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// UserStore is the slice of the record store the auth service needs.
type UserStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) (*models.User, error)
}

type Service struct {
	store  UserStore
	secret []byte
	expiry time.Duration
	log    zerolog.Logger
}

func NewService(store UserStore, secret string, expiry time.Duration, log zerolog.Logger) *Service {
	return &Service{store: store, secret: []byte(secret), expiry: expiry, log: log}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type userResponse struct {
	ID    uuid.UUID   `json:"id"`
	Email string      `json:"email"`
	Name  string      `json:"name"`
	Tier  models.Tier `json:"tier"`
}

type tokenResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name, Tier: u.Tier}
}

// HandleRegister handles POST /auth/register. New accounts start on the free
// tier.
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "password must be at least 8 characters")
		return
	}

	if _, err := s.store.GetUserByEmail(r.Context(), req.Email); err == nil {
		httpx.Error(w, http.StatusConflict, "email_taken", "an account with this email already exists")
		return
	} else if !errors.Is(err, database.ErrNotFound) {
		s.log.Error().Err(err).Msg("register: user lookup failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "registration failed")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.log.Error().Err(err).Msg("register: hash failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "registration failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), &models.User{
		ID:           uuid.New(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Name:         req.Name,
		Tier:         models.TierFree,
		IsActive:     true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("register: insert failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "registration failed")
		return
	}

	token, err := s.issueToken(user)
	if err != nil {
		s.log.Error().Err(err).Msg("register: token issue failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "registration failed")
		return
	}

	httpx.JSON(w, http.StatusCreated, tokenResponse{Token: token, User: toUserResponse(user)})
}

// HandleLogin handles POST /auth/login.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid request body")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, database.ErrNotFound) {
		httpx.Error(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("login: user lookup failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		httpx.Error(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	if !user.IsActive {
		httpx.Error(w, http.StatusForbidden, "account_disabled", "this account has been disabled")
		return
	}

	token, err := s.issueToken(user)
	if err != nil {
		s.log.Error().Err(err).Msg("login: token issue failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}

	httpx.JSON(w, http.StatusOK, tokenResponse{Token: token, User: toUserResponse(user)})
}

// HandleMe handles GET /auth/me.
func (s *Service) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), p.ID)
	if errors.Is(err, database.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "caller_not_found", "account no longer exists")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("me: user lookup failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "profile lookup failed")
		return
	}

	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Service) issueToken(u *models.User) (string, error) {
	claims := jwt.MapClaims{
		"sub":   u.ID.String(),
		"email": u.Email,
		"tier":  string(u.Tier),
		"exp":   time.Now().Add(s.expiry).Unix(),
		"iat":   time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Middleware validates the Authorization bearer token and attaches the
// caller to the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated", "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid authorization header format")
			return
		}

		principal, err := s.verifyToken(parts[1])
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireAdmin gates admin-only routes. Must run after Middleware.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		if p.Tier != models.TierAdmin {
			httpx.Error(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) verifyToken(tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("invalid subject claim: %w", err)
	}
	email, _ := claims["email"].(string)
	tier, _ := claims["tier"].(string)

	return &Principal{ID: id, Email: email, Tier: models.Tier(tier)}, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
