// Package auth owns users, application tenants, sessions, and the
// application-layer key validation handshake. The server never sees
// plaintext user data: public keys, salts, backups, and profiles are
// opaque byte strings supplied by clients.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/cipherbase/internal/store"
	"github.com/adred-codev/cipherbase/internal/wire"
)

var (
	// ErrUsernameTaken is returned when the case-folded username is
	// already registered in the application tenant.
	ErrUsernameTaken = errors.New("auth: username already exists")
	// ErrUserNotFound is returned for unknown or soft-deleted users.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrInvalidCredentials is returned on password token mismatch.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

const (
	userPartition = "user"
)

func usernamePartition(appID string) string { return "app#" + appID + "#usernames" }

// User is the persisted user record. Key material is opaque; the
// password token is stored as a SHA-256 digest and compared in
// constant time.
type User struct {
	UserID              string             `json:"userId"`
	AppID               string             `json:"appId"`
	Username            string             `json:"username"`
	PublicKey           []byte             `json:"publicKey"`
	KeySalts            wire.KeySalts      `json:"keySalts"`
	PasswordSalts       wire.PasswordSalts `json:"passwordSalts"`
	PasswordTokenHash   []byte             `json:"passwordTokenHash"`
	PasswordBasedBackup []byte             `json:"passwordBasedBackup,omitempty"`
	Email               string             `json:"email,omitempty"`
	Profile             json.RawMessage    `json:"profile,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	DeletedAt           *time.Time         `json:"deletedAt,omitempty"`
}

// Users is the user repository over the store adapter.
type Users struct {
	store store.Store
}

// NewUsers builds the repository.
func NewUsers(s store.Store) *Users {
	return &Users{store: s}
}

// NewUserParams carries everything sign-up needs.
type NewUserParams struct {
	AppID               string
	Username            string
	PasswordToken       []byte
	PublicKey           []byte
	KeySalts            wire.KeySalts
	PasswordSalts       wire.PasswordSalts
	PasswordBasedBackup []byte
	Email               string
	Profile             json.RawMessage
}

// Create registers a new user. The username row and user row are
// written in one batch so uniqueness and existence cannot diverge.
func (u *Users) Create(ctx context.Context, p NewUserParams) (*User, error) {
	if p.AppID == "" || p.Username == "" || len(p.PasswordToken) == 0 || len(p.PublicKey) == 0 {
		return nil, errors.New("auth: appId, username, passwordToken and publicKey are required")
	}
	hash := sha256.Sum256(p.PasswordToken)
	user := &User{
		UserID:              uuid.NewString(),
		AppID:               p.AppID,
		Username:            p.Username,
		PublicKey:           p.PublicKey,
		KeySalts:            p.KeySalts,
		PasswordSalts:       p.PasswordSalts,
		PasswordTokenHash:   hash[:],
		PasswordBasedBackup: p.PasswordBasedBackup,
		Email:               p.Email,
		Profile:             p.Profile,
		CreatedAt:           time.Now().UTC(),
	}
	value, err := json.Marshal(user)
	if err != nil {
		return nil, err
	}
	ops := []store.Op{
		{Kind: store.OpPut, Partition: usernamePartition(p.AppID), Sort: foldUsername(p.Username), Value: []byte(user.UserID), IfAbsent: true},
		{Kind: store.OpPut, Partition: userPartition, Sort: user.UserID, Value: value, IfAbsent: true},
	}
	if err := u.store.Batch(ctx, ops); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return user, nil
}

// Get loads a user by id. Soft-deleted users are reported as missing.
func (u *Users) Get(ctx context.Context, userID string) (*User, error) {
	item, err := u.store.Get(ctx, userPartition, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	var user User
	if err := json.Unmarshal(item.Value, &user); err != nil {
		return nil, fmt.Errorf("auth: decode user %s: %w", userID, err)
	}
	if user.DeletedAt != nil {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

// GetByUsername resolves a case-folded username within a tenant.
func (u *Users) GetByUsername(ctx context.Context, appID, username string) (*User, error) {
	ref, err := u.store.Get(ctx, usernamePartition(appID), foldUsername(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u.Get(ctx, string(ref.Value))
}

// VerifyPassword compares a presented password token against the
// stored digest.
func (u *Users) VerifyPassword(user *User, passwordToken []byte) error {
	hash := sha256.Sum256(passwordToken)
	if subtle.ConstantTimeCompare(hash[:], user.PasswordTokenHash) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// Update applies an UpdateUser mutation. A username change re-checks
// tenant uniqueness; password rotation replaces token, salts, and
// backup together.
func (u *Users) Update(ctx context.Context, user *User, p wire.UpdateUserParams) (*User, error) {
	updated := *user
	var ops []store.Op

	if p.Username != nil && foldUsername(*p.Username) != foldUsername(user.Username) {
		ops = append(ops,
			store.Op{Kind: store.OpPut, Partition: usernamePartition(user.AppID), Sort: foldUsername(*p.Username), Value: []byte(user.UserID), IfAbsent: true},
			store.Op{Kind: store.OpDelete, Partition: usernamePartition(user.AppID), Sort: foldUsername(user.Username)},
		)
		updated.Username = *p.Username
	} else if p.Username != nil {
		// Case-only rename; no uniqueness re-check needed.
		updated.Username = *p.Username
	}
	if p.Email != nil {
		updated.Email = *p.Email
	}
	if p.Profile != nil {
		updated.Profile = p.Profile
	}
	if len(p.PasswordToken) > 0 {
		if p.PasswordSalts == nil || len(p.PasswordBasedBackup) == 0 {
			return nil, errors.New("auth: password rotation requires passwordSalts and passwordBasedBackup")
		}
		hash := sha256.Sum256(p.PasswordToken)
		updated.PasswordTokenHash = hash[:]
		updated.PasswordSalts = *p.PasswordSalts
		updated.PasswordBasedBackup = p.PasswordBasedBackup
	}

	value, err := json.Marshal(&updated)
	if err != nil {
		return nil, err
	}
	ops = append(ops, store.Op{Kind: store.OpPut, Partition: userPartition, Sort: user.UserID, Value: value})
	if err := u.store.Batch(ctx, ops); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return &updated, nil
}

// SoftDelete marks the user deleted and frees the username. Database
// and transaction rows are purged asynchronously.
func (u *Users) SoftDelete(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	deleted := *user
	deleted.DeletedAt = &now
	value, err := json.Marshal(&deleted)
	if err != nil {
		return err
	}
	return u.store.Batch(ctx, []store.Op{
		{Kind: store.OpPut, Partition: userPartition, Sort: user.UserID, Value: value},
		{Kind: store.OpDelete, Partition: usernamePartition(user.AppID), Sort: foldUsername(user.Username)},
	})
}

func foldUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
