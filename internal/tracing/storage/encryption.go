// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

// KeyEnv names the environment variable holding the payload encryption key:
// either 32 base64-encoded bytes or a passphrase.
const KeyEnv = "AUDITFLOW_STORE_KEY"

const keySize = 32

// passphraseSalt is fixed so a passphrase always derives the same key and
// previously sealed rows stay readable.
var passphraseSalt = []byte("auditflow/storage/v1")

// Sealer encrypts payload columns with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes for AES-256, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// SealerFromEnv builds a sealer from KeyEnv. It returns nil, nil when the
// variable is unset.
func SealerFromEnv() (*Sealer, error) {
	raw := os.Getenv(KeyEnv)
	if raw == "" {
		return nil, nil
	}
	return NewSealer(ParseKey(raw))
}

// ParseKey decodes a base64 key, or derives one from a passphrase with
// Argon2id when raw is not a base64-encoded 32-byte value.
func ParseKey(raw string) []byte {
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == keySize {
		return b
	}
	return argon2.IDKey([]byte(raw), passphraseSalt, 1, 64*1024, 4, keySize)
}

// GenerateKey returns a random base64-encoded key suitable for KeyEnv.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(s.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
