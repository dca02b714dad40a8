package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"adrelay/internal/domain"
)

const (
	stateTTL   = 10 * time.Minute
	graphScope = "https://graph.microsoft.com/.default"
)

var (
	ErrInvalidState      = errors.New("invalid or expired sign-in state")
	ErrHandshakeNotReady = errors.New("sign-in is not configured")
)

// SessionCreator stores the session produced by a completed handshake.
type SessionCreator interface {
	Create(userID string, identity domain.Identity, mfaVerified bool) domain.Session
}

// SessionLog persists session creations for the audit trail.
type SessionLog interface {
	RecordSession(ctx context.Context, sess domain.Session) error
}

// HandshakeConfig configures the OAuth2 authorization-code sign-in.
type HandshakeConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	StateSecret  string
	GraphBaseURL string

	// Endpoint overrides the Entra ID endpoint derived from TenantID.
	Endpoint oauth2.Endpoint

	Sessions   SessionCreator
	SessionLog SessionLog // optional
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// stateClaims binds a sign-in attempt to the chat user that asked for it.
type stateClaims struct {
	ChatID string `json:"chat_id,omitempty"`
	jwt.RegisteredClaims
}

// Handshake runs the sign-in flow: LoginURL hands out an authorize link,
// Callback completes it and creates the user's session.
type Handshake struct {
	oauth      *oauth2.Config
	stateKey   []byte
	graphBase  string
	sessions   SessionCreator
	sessionLog SessionLog
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // state jti -> expiry
}

// NewHandshake builds a Handshake. It returns ErrHandshakeNotReady when the
// client credentials or the state secret are missing.
func NewHandshake(cfg HandshakeConfig) (*Handshake, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.StateSecret == "" {
		return nil, ErrHandshakeNotReady
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("handshake: session store is required")
	}

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = microsoft.AzureADEndpoint(cfg.TenantID)
	}
	graphBase := strings.TrimRight(cfg.GraphBaseURL, "/")
	if graphBase == "" {
		graphBase = "https://graph.microsoft.com"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handshake{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{graphScope},
		},
		stateKey:   []byte(cfg.StateSecret),
		graphBase:  graphBase,
		sessions:   cfg.Sessions,
		sessionLog: cfg.SessionLog,
		httpClient: hc,
		logger:     logger,
		now:        time.Now,
		used:       make(map[string]time.Time),
	}, nil
}

// LoginURL returns the authorize link for a chat user.
func (h *Handshake) LoginURL(userID, chatID string) (string, error) {
	state, err := h.signState(userID, chatID)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return h.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

func (h *Handshake) signState(userID, chatID string) (string, error) {
	now := h.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		ChatID: chatID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
			ID:        uuid.NewString(),
		},
	})
	return tok.SignedString(h.stateKey)
}

func (h *Handshake) verifyState(state string) (*stateClaims, error) {
	parsed, err := jwt.ParseWithClaims(state, &stateClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return h.stateKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidState
	}
	claims, ok := parsed.Claims.(*stateClaims)
	if !ok || claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidState
	}
	return claims, nil
}

// consumeState marks a state as spent. Each state completes at most one
// callback; spent ids are kept until the state itself would have expired.
func (h *Handshake) consumeState(claims *stateClaims) error {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, exp := range h.used {
		if now.After(exp) {
			delete(h.used, id)
		}
	}
	if _, spent := h.used[claims.ID]; spent {
		return ErrInvalidState
	}
	h.used[claims.ID] = claims.ExpiresAt.Time
	return nil
}

// Callback verifies and spends state, exchanges the authorization code, loads
// the signed-in profile from Graph and creates the session. A failed exchange
// still spends the state; the user asks for a fresh link.
func (h *Handshake) Callback(ctx context.Context, code, state string) (domain.Session, error) {
	claims, err := h.verifyState(state)
	if err != nil {
		return domain.Session{}, err
	}
	if code == "" {
		return domain.Session{}, fmt.Errorf("callback: missing authorization code")
	}
	if err := h.consumeState(claims); err != nil {
		h.logger.Warn("sign-in state replayed", "user_id", claims.Subject, "jti", claims.ID)
		return domain.Session{}, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
	tok, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		return domain.Session{}, fmt.Errorf("exchange code: %w", err)
	}

	identity, err := h.fetchProfile(ctx, tok)
	if err != nil {
		return domain.Session{}, err
	}

	sess := h.sessions.Create(claims.Subject, identity, true)
	if h.sessionLog != nil {
		if err := h.sessionLog.RecordSession(ctx, sess); err != nil {
			h.logger.Error("failed to record session", "user_id", sess.UserID, "error", err)
		}
	}

	h.logger.Info("user signed in",
		"user_id", claims.Subject,
		"chat_id", claims.ChatID,
		"upn", identity.UserPrincipalName,
	)
	return sess, nil
}

func (h *Handshake) fetchProfile(ctx context.Context, tok *oauth2.Token) (domain.Identity, error) {
	client := h.oauth.Client(ctx, tok)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.graphBase+"/v1.0/me", nil)
	if err != nil {
		return domain.Identity{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Identity{}, fmt.Errorf("fetch profile: graph returned %s", resp.Status)
	}

	var identity domain.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return domain.Identity{}, fmt.Errorf("decode profile: %w", err)
	}
	return identity, nil
}
