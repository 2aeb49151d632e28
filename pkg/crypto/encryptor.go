// Package crypto seals sensitive values (client addresses in usage metadata,
// archived usage batches) with age X25519 keys.
package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

var ErrNoKey = errors.New("encryption key not configured")

// Encryptor handles encryption and decryption using a single age identity
type Encryptor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewEncryptor parses an AGE-SECRET-KEY identity string
func NewEncryptor(identityKey string) (*Encryptor, error) {
	if identityKey == "" {
		return nil, ErrNoKey
	}
	identity, err := age.ParseX25519Identity(identityKey)
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return &Encryptor{identity: identity, recipient: identity.Recipient()}, nil
}

// GenerateEncryptor creates an encryptor around a fresh identity
func GenerateEncryptor() (*Encryptor, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	return &Encryptor{identity: identity, recipient: identity.Recipient()}, nil
}

// Identity returns the secret key string, suitable for ENCRYPTION_KEY
func (e *Encryptor) Identity() string {
	return e.identity.String()
}

// PublicKey returns the recipient string (age1...)
func (e *Encryptor) PublicKey() string {
	return e.recipient.String()
}

// NewWriter returns a writer that encrypts everything written to dst. The
// caller must Close it to flush the final chunk.
func (e *Encryptor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	w, err := age.Encrypt(dst, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	return w, nil
}

// NewReader decrypts src as it is read
func (e *Encryptor) NewReader(src io.Reader) (io.Reader, error) {
	r, err := age.Decrypt(src, e.identity)
	if err != nil {
		return nil, fmt.Errorf("creating decryptor: %w", err)
	}
	return r, nil
}

func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := e.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing encryptor: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := e.NewReader(bytes.NewReader(ciphertext))
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	return plaintext, nil
}

// EncryptString returns base64-encoded ciphertext
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	ciphertext, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", err)
	}
	plaintext, err := e.Decrypt(decoded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
