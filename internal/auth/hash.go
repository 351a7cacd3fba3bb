package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/tane/internal/model"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key with Argon2id as "salt$hash", both base64.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyAPIKey checks an API key against a HashAPIKey result.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltB64, hashB64, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// Keyring holds the hashed shared secrets exchanged for tokens. Plaintext
// keys are hashed once at construction and not retained.
type Keyring struct {
	hashes map[model.Role]string
}

// NewKeyring hashes the configured keys. An empty key disables that role's
// exchange.
func NewKeyring(workerKey, adminKey string) (*Keyring, error) {
	k := &Keyring{hashes: make(map[model.Role]string, 2)}
	for role, key := range map[model.Role]string{model.RoleWorker: workerKey, model.RoleAdmin: adminKey} {
		if key == "" {
			continue
		}
		h, err := HashAPIKey(key)
		if err != nil {
			return nil, err
		}
		k.hashes[role] = h
	}
	return k, nil
}

// Authenticate returns the highest role whose key matches apiKey. Every
// configured key is checked, so timing does not reveal which matched.
func (k *Keyring) Authenticate(apiKey string) (model.Role, bool) {
	var best model.Role
	for _, role := range []model.Role{model.RoleWorker, model.RoleAdmin} {
		h, ok := k.hashes[role]
		if !ok {
			dummyVerify()
			continue
		}
		if match, err := VerifyAPIKey(apiKey, h); err == nil && match {
			best = role
		}
	}
	return best, best != ""
}

// dummyVerify costs the same as a real verification.
func dummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}
