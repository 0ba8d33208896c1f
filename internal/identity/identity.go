// Package identity manages the peer key pair exchanged during discovery
// and the control handshake, and the hashes derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const pemType = "PRIVATE KEY"

// Identity is a peer's Ed25519 key pair.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// Fingerprint returns the short id of the public key.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.PublicKey)
}

// LoadOrCreate reads a PKCS#8 PEM key from path, or generates one and
// writes it there if the file does not exist. An empty path yields an
// ephemeral identity.
func LoadOrCreate(path string) (*Identity, error) {
	if path == "" {
		return Generate()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemType {
		return nil, fmt.Errorf("identity %s: no %s block", path, pemType)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity %s: not an Ed25519 key", path)
	}
	return &Identity{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// Save writes the private key to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity %s: %w", path, err)
	}
	return nil
}

// NonceSize is the length of a handshake challenge.
const NonceSize = 32

// NewNonce returns a random handshake challenge.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// Sign signs message with the private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.PrivateKey, message)
}

// Verify reports whether sig is publicKey's signature of message.
func Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, sig)
}
