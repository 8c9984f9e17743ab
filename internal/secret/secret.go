// Package secret seals short credentials at rest with a key derived from a
// per-account string.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32
)

// ErrOpen is returned when a sealed value cannot be decrypted.
var ErrOpen = errors.New("secret: cannot open sealed value")

func deriveKey(passphrase string, salt []byte) (*[keySize]byte, error) {
	raw, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// Seal encrypts plaintext under passphrase. The result is base64 text
// holding salt, nonce and box.
func Seal(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("secret: salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return "", err
	}
	out := append(salt, nonce[:]...)
	out = secretbox.Seal(out, []byte(plaintext), &nonce, key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func Open(sealed, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if len(raw) < saltSize+nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	salt := raw[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], raw[saltSize:saltSize+nonceSize])
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return "", err
	}
	plain, ok := secretbox.Open(nil, raw[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}
