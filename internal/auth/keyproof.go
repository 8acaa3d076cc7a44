package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key validation proves the connected client controls the private key
// matching its stored public key. The server derives a shared secret
// via X25519 against the user's public key, expands it with HKDF over
// the user's diffie-hellman salt, and encrypts a random nonce with
// AES-256-GCM. The client must return the decrypted nonce byte for
// byte.

const (
	validationMessageSize = 32
	keyValidationInfo     = "cipherbase/key-validation"
)

// ErrBadPublicKey is returned when the stored public key cannot be
// used for key agreement.
var ErrBadPublicKey = errors.New("auth: invalid user public key")

// ServerKeys holds the server's long-lived key-agreement pair.
type ServerKeys struct {
	private *ecdh.PrivateKey
}

// NewServerKeys derives the key pair from a 32-byte hex seed, or
// generates an ephemeral pair when the seed is empty. Without a fixed
// seed, key validation breaks across restarts.
func NewServerKeys(seedHex string) (*ServerKeys, error) {
	curve := ecdh.X25519()
	if seedHex == "" {
		priv, err := curve.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &ServerKeys{private: priv}, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("auth: server key seed is not hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("auth: server key seed must be 32 bytes, got %d", len(seed))
	}
	priv, err := curve.NewPrivateKey(seed)
	if err != nil {
		return nil, err
	}
	return &ServerKeys{private: priv}, nil
}

// PublicKey returns the server's public key bytes, served over REST so
// clients can compute the same shared secret.
func (k *ServerKeys) PublicKey() []byte {
	return k.private.PublicKey().Bytes()
}

// KeyProof is one connection's pending validation state: the plaintext
// nonce kept server-side and the ciphertext sent to the client.
type KeyProof struct {
	plaintext  []byte
	Ciphertext []byte
}

// NewKeyProof generates the validation nonce and encrypts it for the
// user identified by publicKey and dhKeySalt.
func (k *ServerKeys) NewKeyProof(publicKey, dhKeySalt []byte) (*KeyProof, error) {
	userPub, err := ecdh.X25519().NewPublicKey(publicKey)
	if err != nil {
		return nil, ErrBadPublicKey
	}
	secret, err := k.private.ECDH(userPub)
	if err != nil {
		return nil, ErrBadPublicKey
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, dhKeySalt, []byte(keyValidationInfo)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, validationMessageSize)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &KeyProof{
		plaintext:  plaintext,
		Ciphertext: append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...),
	}, nil
}

// Verify compares the client's decrypted nonce in constant time.
func (p *KeyProof) Verify(candidate []byte) bool {
	return subtle.ConstantTimeCompare(p.plaintext, candidate) == 1
}
