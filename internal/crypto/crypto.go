// Package crypto seals record bundles with a password using AES-256-GCM.
// The password is never stored; the reader must supply it again.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidCiphertext is returned when the data is not a sealed bundle.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidPassword is returned when authentication fails on open.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrWeakPassword is returned when sealing with a short password.
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", PasswordMinLength)
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SaltSize is the PBKDF2 salt length.
	SaltSize = 16
	// Iterations is the PBKDF2-SHA256 work factor.
	Iterations = 100000
	// PasswordMinLength is the shortest password Seal accepts.
	PasswordMinLength = 8

	magic   = "HSSEALED"
	version = 1
)

// DeriveKey derives a key from password and salt with PBKDF2-SHA256. A nil
// salt is replaced by a random one. The salt used is returned.
func DeriveKey(password string, salt []byte) ([]byte, []byte, error) {
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, err
		}
	}
	return pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha256.New), salt, nil
}

// Seal encrypts plaintext. The output is
// magic | version | salt | nonce | ciphertext+tag.
func Seal(plaintext []byte, password string) ([]byte, error) {
	if len(password) < PasswordMinLength {
		return nil, ErrWeakPassword
	}
	key, salt, err := DeriveKey(password, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+1+SaltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, version)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(sealed []byte, password string) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrInvalidCiphertext
	}
	rest := sealed[len(magic):]
	if rest[0] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidCiphertext, rest[0])
	}
	rest = rest[1:]
	if len(rest) < SaltSize {
		return nil, ErrInvalidCiphertext
	}
	salt, rest := rest[:SaltSize], rest[SaltSize:]

	key, _, err := DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	nonce, data := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return plaintext, nil
}

// IsSealed reports whether data starts with the sealed-bundle header.
func IsSealed(data []byte) bool {
	return len(data) > len(magic) && bytes.HasPrefix(data, []byte(magic))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
