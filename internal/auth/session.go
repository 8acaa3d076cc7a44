package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/adred-codev/cipherbase/internal/store"
)

// ErrSessionInvalid is returned for unknown, expired, or invalidated
// sessions and for tokens that fail signature verification.
var ErrSessionInvalid = errors.New("auth: session invalid")

const (
	sessionPartition = "session"
)

func userSessionPartition(userID string) string { return "usersessions#" + userID }

// RememberMe classifies how long a client intends to keep a session.
type RememberMe string

const (
	RememberNone    RememberMe = "none"
	RememberSession RememberMe = "session"
	RememberLocal   RememberMe = "local"
)

// Session binds a user to a single signed-in context.
type Session struct {
	SessionID     string     `json:"sessionId"`
	UserID        string     `json:"userId"`
	AppID         string     `json:"appId"`
	RememberMe    RememberMe `json:"rememberMe"`
	CreatedAt     time.Time  `json:"createdAt"`
	InvalidatedAt *time.Time `json:"invalidatedAt,omitempty"`
}

// Sessions is the session repository plus token signing.
type Sessions struct {
	store      store.Store
	signingKey []byte
	ttl        time.Duration
}

// NewSessions builds the repository. ttl bounds token validity, not
// the stored session row.
func NewSessions(s store.Store, signingKey []byte, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{store: s, signingKey: signingKey, ttl: ttl}
}

// Create opens a session for the user and returns it with a signed
// token.
func (s *Sessions) Create(ctx context.Context, userID, appID string, remember RememberMe) (*Session, string, error) {
	if remember == "" {
		remember = RememberNone
	}
	sess := &Session{
		SessionID:  uuid.NewString(),
		UserID:     userID,
		AppID:      appID,
		RememberMe: remember,
		CreatedAt:  time.Now().UTC(),
	}
	value, err := json.Marshal(sess)
	if err != nil {
		return nil, "", err
	}
	err = s.store.Batch(ctx, []store.Op{
		{Kind: store.OpPut, Partition: sessionPartition, Sort: sess.SessionID, Value: value},
		{Kind: store.OpPut, Partition: userSessionPartition(userID), Sort: sess.SessionID, Value: []byte(sess.SessionID)},
	})
	if err != nil {
		return nil, "", err
	}
	token, err := s.signToken(sess, "")
	if err != nil {
		return nil, "", err
	}
	return sess, token, nil
}

type sessionClaims struct {
	SessionID string `json:"sid"`
	AppID     string `json:"app"`
	AdminID   string `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

func (s *Sessions) signToken(sess *Session, adminID string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		SessionID: sess.SessionID,
		AppID:     sess.AppID,
		AdminID:   adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

// Identity is the authenticated context attached to a connection.
type Identity struct {
	Session *Session
	UserID  string
	AppID   string
	AdminID string
}

// Verify checks the token signature, loads the session, and rejects
// invalidated sessions.
func (s *Sessions) Verify(ctx context.Context, token string) (*Identity, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrSessionInvalid
	}
	sess, err := s.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != claims.Subject {
		return nil, ErrSessionInvalid
	}
	return &Identity{
		Session: sess,
		UserID:  sess.UserID,
		AppID:   sess.AppID,
		AdminID: claims.AdminID,
	}, nil
}

// Get loads a live session or returns ErrSessionInvalid.
func (s *Sessions) Get(ctx context.Context, sessionID string) (*Session, error) {
	item, err := s.store.Get(ctx, sessionPartition, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(item.Value, &sess); err != nil {
		return nil, err
	}
	if sess.InvalidatedAt != nil {
		return nil, ErrSessionInvalid
	}
	return &sess, nil
}

// Refresh re-signs a token for an already verified session, keeping
// any admin identity.
func (s *Sessions) Refresh(id *Identity) (string, error) {
	return s.signToken(id.Session, id.AdminID)
}

// Invalidate marks one session unusable. Idempotent.
func (s *Sessions) Invalidate(ctx context.Context, sessionID string) error {
	item, err := s.store.Get(ctx, sessionPartition, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	var sess Session
	if err := json.Unmarshal(item.Value, &sess); err != nil {
		return err
	}
	if sess.InvalidatedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	sess.InvalidatedAt = &now
	value, err := json.Marshal(&sess)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, store.Item{Partition: sessionPartition, Sort: sessionID, Value: value}, false)
}

// InvalidateAll invalidates every session for a user except keep (may
// be empty). Returns the ids it invalidated.
func (s *Sessions) InvalidateAll(ctx context.Context, userID, keep string) ([]string, error) {
	refs, err := s.store.Range(ctx, userSessionPartition(userID), "", "")
	if err != nil {
		return nil, err
	}
	var invalidated []string
	for _, ref := range refs {
		id := string(ref.Value)
		if id == keep {
			continue
		}
		if err := s.Invalidate(ctx, id); err != nil {
			return invalidated, err
		}
		invalidated = append(invalidated, id)
	}
	return invalidated, nil
}
