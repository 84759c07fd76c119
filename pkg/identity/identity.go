// Package identity holds a node's long-lived Ed25519 key. The public
// half is the node id; it signs announcements and backs the TLS
// certificate peers pin on connect.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"blobshare/pkg/types"
)

// SecretEnv names the environment variable that overrides the
// generated key.
const SecretEnv = "BLOBSHARE_SECRET"

var ErrInvalidSecret = errors.New("invalid secret key")

// SecretKey is a node's Ed25519 signing key.
type SecretKey struct {
	priv ed25519.PrivateKey
}

func Generate() (*SecretKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &SecretKey{priv: priv}, nil
}

func FromSeed(seed []byte) (*SecretKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidSecret, ed25519.SeedSize, len(seed))
	}
	return &SecretKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// ParseSecretKey parses the hex seed produced by String.
func ParseSecretKey(s string) (*SecretKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return FromSeed(seed)
}

// LoadOrGenerate reads the key from BLOBSHARE_SECRET. When the variable
// is unset a fresh key is generated and generated reports true so the
// caller can tell the user how to reuse it.
func LoadOrGenerate() (key *SecretKey, generated bool, err error) {
	if v, ok := os.LookupEnv(SecretEnv); ok && v != "" {
		key, err := ParseSecretKey(v)
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse %s: %w", SecretEnv, err)
		}
		return key, false, nil
	}
	key, err = Generate()
	return key, true, err
}

func (k *SecretKey) String() string {
	return hex.EncodeToString(k.priv.Seed())
}

func (k *SecretKey) Public() types.NodeID {
	var id types.NodeID
	copy(id[:], k.priv.Public().(ed25519.PublicKey))
	return id
}

func (k *SecretKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Verify checks sig over msg against the node id's public key.
func Verify(id types.NodeID, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.PublicKey(), msg, sig)
}
