package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// Identity is the authenticated principal attached to a request. The rest of
// the pipeline treats UserID as an opaque string used only for ownership
// scoping.
type Identity struct {
	UserID string
	Email  string
}

type identityKey struct{}

// IdentityFrom extracts the authenticated principal from ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Auth provides account registration, login, and bearer-token verification.
type Auth struct {
	store    Store
	log      *slog.Logger
	secret   []byte
	tokenTTL time.Duration
}

// NewAuth returns an Auth signing tokens with secret. Tokens expire after
// tokenTTL; zero means 24h.
func NewAuth(store Store, log *slog.Logger, secret string, tokenTTL time.Duration) *Auth {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Auth{store: store, log: log, secret: []byte(secret), tokenTTL: tokenTTL}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type authResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	User    User   `json:"user"`
}

// Register handles POST /api/auth/register.
func (a *Auth) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "email, password and name are required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		a.log.Error("password hash failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "server error during registration")
		return
	}

	u := User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			writeError(w, http.StatusBadRequest, "user already exists")
			return
		}
		a.log.Error("create user failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "server error during registration")
		return
	}

	token, err := a.signToken(u)
	if err != nil {
		a.log.Error("token signing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "server error during registration")
		return
	}

	a.log.Info("user registered", slog.String("user_id", u.ID))
	writeJSON(w, http.StatusCreated, authResponse{Success: true, Token: token, User: u})
}

// Login handles POST /api/auth/login. Unknown email and wrong password get
// the same response so credentials cannot be probed separately.
func (a *Auth) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid credentials")
		return
	}

	u, err := a.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusBadRequest, "invalid credentials")
			return
		}
		a.log.Error("user lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "server error during login")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusBadRequest, "invalid credentials")
		return
	}

	token, err := a.signToken(u)
	if err != nil {
		a.log.Error("token signing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "server error during login")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Success: true, Token: token, User: u})
}

// Middleware verifies the request's bearer token and attaches the principal
// to the context. The token is read from the Authorization header, with a
// "token" query parameter fallback for the websocket and <video> element
// paths, which cannot set headers.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "access token required")
			return
		}

		id, err := a.verify(raw)
		if err != nil {
			writeError(w, http.StatusForbidden, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) signToken(u User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"userId": u.ID,
		"email":  u.Email,
		"iat":    now.Unix(),
		"exp":    now.Add(a.tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) verify(raw string) (Identity, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	userID, _ := claims["userId"].(string)
	email, _ := claims["email"].(string)
	if userID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: userID, Email: email}, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
