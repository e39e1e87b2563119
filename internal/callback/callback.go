// Package callback issues and verifies the signed URLs handed to the
// reasoning backend for asynchronous completion.
//
// Tokens are EdDSA JWTs bound to one correlation id. Keys can be loaded from
// PEM files or generated for development.
package callback

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "kaigi"
	audience = "kaigi-callback"

	// Path is where the server mounts the callback handler.
	Path = "/v1/callbacks/reasoning"
)

// Claims binds a callback token to a single async call.
type Claims struct {
	jwt.RegisteredClaims
	CorrelationID string `json:"correlation_id"`
	SessionID     string `json:"session_id"`
}

// Signer creates callback URLs and verifies their tokens.
type Signer struct {
	baseURL    string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
}

// NewSigner creates a Signer from PEM key files. If the paths are empty an
// ephemeral key pair is generated, which only works for a single process.
func NewSigner(baseURL, privateKeyPath, publicKeyPath string, ttl time.Duration) (*Signer, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("callback: no signing key files configured, generating ephemeral key pair (not for multi-node deployments)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("callback: generate key pair: %w", err)
		}
		return &Signer{baseURL: baseURL, privateKey: priv, publicKey: pub, ttl: ttl}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("callback: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("callback: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("callback: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("callback: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("callback: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("callback: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("callback: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("callback: public key is not Ed25519")
	}
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, fmt.Errorf("callback: public key does not match private key")
	}

	return &Signer{baseURL: baseURL, privateKey: edPriv, publicKey: edPub, ttl: ttl}, nil
}

// Token signs a token for one correlation id.
func (s *Signer) Token(correlationID, sessionID string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		CorrelationID: correlationID,
		SessionID:     sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("callback: sign token: %w", err)
	}
	return signed, nil
}

// URL returns the callback URL for one correlation id.
func (s *Signer) URL(correlationID, sessionID string) (string, error) {
	tok, err := s.Token(correlationID, sessionID)
	if err != nil {
		return "", err
	}
	return s.baseURL + Path + "?token=" + url.QueryEscape(tok), nil
}

// Verify parses and validates a callback token.
func (s *Signer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("callback: unexpected signing method: %v", token.Header["alg"])
			}
			return s.publicKey, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("callback: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("callback: invalid token claims")
	}
	if claims.CorrelationID == "" {
		return nil, fmt.Errorf("callback: token missing correlation id")
	}
	return claims, nil
}

// ErrKeyExists is returned by WriteKeyPair when a target file is present.
var ErrKeyExists = errors.New("callback: key file already exists")

// WriteKeyPair generates an Ed25519 key pair and writes it to dir as
// callback_private.pem and callback_public.pem. Existing files are never
// overwritten; rotating keys invalidates every outstanding callback URL.
func WriteKeyPair(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, "callback_private.pem")
	pubPath = filepath.Join(dir, "callback_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("callback: create %s: %w", dir, err)
	}
	for _, p := range []string{privPath, pubPath} {
		if _, err := os.Stat(p); err == nil {
			return "", "", fmt.Errorf("%w: %s", ErrKeyExists, p)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("callback: generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("callback: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("callback: marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, typ string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path built from operator-supplied dir
	if err != nil {
		return fmt.Errorf("callback: create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("callback: write %s: %w", path, err)
	}
	return f.Close()
}
