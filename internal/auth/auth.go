// Package auth issues and validates the bearer tokens that fuzzing workers
// and operators present to the API.
//
// Tokens are Ed25519-signed JWTs. They carry a role and, optionally, the set
// of target libraries the holder may touch. Keys are loaded from PEM files or
// generated on startup for development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/tane/internal/model"
)

const issuer = "tane"

// Claims are the tane-specific JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	WorkerID string     `json:"worker_id"`
	Role     model.Role `json:"role"`
	// Targets restricts the token to these target libraries. Empty means
	// every target.
	Targets []string `json:"targets,omitempty"`
}

// CanAccess reports whether the token may read or write target.
func (c *Claims) CanAccess(target string) bool {
	if c.Role == model.RoleAdmin || len(c.Targets) == 0 {
		return true
	}
	return slices.Contains(c.Targets, target)
}

// JWTManager signs and validates tokens.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager loads a key pair from PEM files. With either path empty it
// generates an ephemeral pair; tokens then die with the process.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, using an ephemeral key pair")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	priv, err := readPEM(privateKeyPath, func(der []byte) (any, error) { return x509.ParsePKCS8PrivateKey(der) })
	if err != nil {
		return nil, fmt.Errorf("auth: private key: %w", err)
	}
	edPriv, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("auth: private key is not Ed25519")
	}
	pub, err := readPEM(publicKeyPath, x509.ParsePKIXPublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth: public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not Ed25519")
	}
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, errors.New("auth: public key does not match private key")
	}
	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

func readPEM(path string, parse func([]byte) (any, error)) (any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return parse(block.Bytes)
}

// IssueToken signs a token for workerID with the given role and target
// scope.
func (m *JWTManager) IssueToken(workerID string, role model.Role, targets []string) (string, time.Time, error) {
	if workerID == "" {
		return "", time.Time{}, errors.New("auth: worker id is required")
	}
	if model.RoleRank(role) == 0 {
		return "", time.Time{}, fmt.Errorf("auth: unknown role %q", role)
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		WorkerID: workerID,
		Role:     role,
		Targets:  targets,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a token, returning its claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	if claims.WorkerID == "" || claims.Subject != claims.WorkerID {
		return nil, errors.New("auth: token subject does not match worker id")
	}
	if model.RoleRank(claims.Role) == 0 {
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return claims, nil
}
