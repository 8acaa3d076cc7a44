package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/cipherbase/internal/store"
	"github.com/adred-codev/cipherbase/internal/wire"
)

func newTestUser(t *testing.T, users *Users, appID, username string) *User {
	t.Helper()
	user, err := users.Create(context.Background(), NewUserParams{
		AppID:         appID,
		Username:      username,
		PasswordToken: []byte("password-token-" + username),
		PublicKey:     make([]byte, 32),
		KeySalts: wire.KeySalts{
			EncryptionKeySalt: []byte("enc-salt"),
			DHKeySalt:         []byte("dh-salt"),
			HMACKeySalt:       []byte("hmac-salt"),
		},
		PasswordSalts: wire.PasswordSalts{
			PasswordSalt:      []byte("pw-salt"),
			PasswordTokenSalt: []byte("pw-token-salt"),
		},
	})
	require.NoError(t, err)
	return user
}

func TestUsersCreateAndGet(t *testing.T) {
	users := NewUsers(store.NewMemory())
	ctx := context.Background()

	created := newTestUser(t, users, "app1", "Alice")
	require.NotEmpty(t, created.UserID)

	got, err := users.Get(ctx, created.UserID)
	require.NoError(t, err)
	require.Equal(t, "Alice", got.Username)
	require.Equal(t, "app1", got.AppID)

	// The stored record holds a digest, never the token itself.
	require.NotContains(t, string(got.PasswordTokenHash), "password-token")
}

func TestUsersUsernameUniquePerTenant(t *testing.T) {
	users := NewUsers(store.NewMemory())
	ctx := context.Background()

	newTestUser(t, users, "app1", "alice")

	// Same tenant, different case: taken.
	_, err := users.Create(ctx, NewUserParams{
		AppID:         "app1",
		Username:      "ALICE",
		PasswordToken: []byte("tok"),
		PublicKey:     make([]byte, 32),
	})
	require.ErrorIs(t, err, ErrUsernameTaken)

	// Different tenant: free.
	newTestUser(t, users, "app2", "alice")
}

func TestUsersGetByUsername(t *testing.T) {
	users := NewUsers(store.NewMemory())
	ctx := context.Background()

	created := newTestUser(t, users, "app1", "Alice")

	got, err := users.GetByUsername(ctx, "app1", "  alice ")
	require.NoError(t, err)
	require.Equal(t, created.UserID, got.UserID)

	_, err = users.GetByUsername(ctx, "app1", "bob")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestUsersVerifyPassword(t *testing.T) {
	users := NewUsers(store.NewMemory())

	user := newTestUser(t, users, "app1", "alice")
	require.NoError(t, users.VerifyPassword(user, []byte("password-token-alice")))
	require.ErrorIs(t, users.VerifyPassword(user, []byte("wrong")), ErrInvalidCredentials)
}

func TestUsersUpdateUsername(t *testing.T) {
	users := NewUsers(store.NewMemory())
	ctx := context.Background()

	alice := newTestUser(t, users, "app1", "alice")
	newTestUser(t, users, "app1", "bob")

	taken := "bob"
	_, err := users.Update(ctx, alice, wire.UpdateUserParams{Username: &taken})
	require.ErrorIs(t, err, ErrUsernameTaken)

	fresh := "carol"
	updated, err := users.Update(ctx, alice, wire.UpdateUserParams{Username: &fresh})
	require.NoError(t, err)
	require.Equal(t, "carol", updated.Username)

	// The old username is released, the new one resolves.
	_, err = users.GetByUsername(ctx, "app1", "alice")
	require.ErrorIs(t, err, ErrUserNotFound)
	got, err := users.GetByUsername(ctx, "app1", "carol")
	require.NoError(t, err)
	require.Equal(t, alice.UserID, got.UserID)
}

func TestUsersUpdatePasswordRequiresAllFields(t *testing.T) {
	users := NewUsers(store.NewMemory())
	ctx := context.Background()

	alice := newTestUser(t, users, "app1", "alice")

	_, err := users.Update(ctx, alice, wire.UpdateUserParams{PasswordToken: []byte("new-token")})
	require.Error(t, err)

	updated, err := users.Update(ctx, alice, wire.UpdateUserParams{
		PasswordToken:       []byte("new-token"),
		PasswordSalts:       &wire.PasswordSalts{PasswordSalt: []byte("s1"), PasswordTokenSalt: []byte("s2")},
		PasswordBasedBackup: []byte("backup"),
	})
	require.NoError(t, err)
	require.NoError(t, users.VerifyPassword(updated, []byte("new-token")))
	require.ErrorIs(t, users.VerifyPassword(updated, []byte("password-token-alice")), ErrInvalidCredentials)
}

func TestUsersSoftDelete(t *testing.T) {
	users := NewUsers(store.NewMemory())
	ctx := context.Background()

	alice := newTestUser(t, users, "app1", "alice")
	require.NoError(t, users.SoftDelete(ctx, alice))

	_, err := users.Get(ctx, alice.UserID)
	require.ErrorIs(t, err, ErrUserNotFound)

	// The username is free for re-registration.
	newTestUser(t, users, "app1", "alice")
}
