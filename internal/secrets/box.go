// Package secrets encrypts credential values at rest using age.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

const encPrefix = "ENC[age:"
const encSuffix = "]"

// Box encrypts and decrypts credential blobs with a single X25519 identity.
type Box struct {
	identity *age.X25519Identity
}

// NewBox parses an age X25519 identity string (AGE-SECRET-KEY-1...).
// This is the value of the FERNET_SECRET setting.
func NewBox(identityStr string) (*Box, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identityStr))
	if err != nil {
		return nil, fmt.Errorf("parse credential key: %w", err)
	}
	return &Box{identity: id}, nil
}

// GenerateKey creates a fresh identity string, for bootstrap tooling.
func GenerateKey() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generate age identity: %w", err)
	}
	return id.String(), nil
}

// Encrypt seals plaintext into an ENC[age:...] blob.
func (b *Box) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return encPrefix + encoded + encSuffix, nil
}

// Decrypt opens an ENC[age:...] blob back to plaintext.
func (b *Box) Decrypt(blob string) (string, error) {
	if !IsEncrypted(blob) {
		return "", fmt.Errorf("not an encrypted blob")
	}

	encoded := blob[len(encPrefix) : len(blob)-len(encSuffix)]
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), b.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}

	plainBytes, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted: %w", err)
	}
	return string(plainBytes), nil
}

// IsEncrypted returns true if the string is an ENC[age:...] blob.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}
