// Package keystore holds the RSA keypair that signs and verifies session
// tokens.  Verification needs only the public half, so services that merely
// check tokens can be handed a KeyStore without a private key.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultBits is the modulus size used by Generate.
const DefaultBits = 2048

// ErrNoPrivateKey is returned when signing is attempted with a verify-only store.
var ErrNoPrivateKey = errors.New("keystore: no private key loaded")

// KeyStore exposes the signing keypair.
type KeyStore struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// New wraps an existing private key.
func New(priv *rsa.PrivateKey) *KeyStore {
	return &KeyStore{private: priv, public: &priv.PublicKey}
}

// NewVerifyOnly wraps a public key with no signing capability.
func NewVerifyOnly(pub *rsa.PublicKey) *KeyStore {
	return &KeyStore{public: pub}
}

// Generate creates a fresh keypair of the given size.
func Generate(bits int) (*KeyStore, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return New(priv), nil
}

// Load reads a PEM private key and a PEM public key from disk.  The public
// key must match the private key.
func Load(privatePath, publicPath string) (*KeyStore, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return Parse(privPEM, pubPEM)
}

// Parse decodes PEM-encoded PKCS#8/PKCS#1 private and SPKI public keys.
func Parse(privPEM, pubPEM []byte) (*KeyStore, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, errors.New("keystore: public key does not match private key")
	}
	return &KeyStore{private: priv, public: pub}, nil
}

// PrivateKey returns the signing key or ErrNoPrivateKey.
func (k *KeyStore) PrivateKey() (*rsa.PrivateKey, error) {
	if k.private == nil {
		return nil, ErrNoPrivateKey
	}
	return k.private, nil
}

// PublicKey returns the verification key.
func (k *KeyStore) PublicKey() *rsa.PublicKey { return k.public }

// EncodePEM returns the PKCS#8 private key and SPKI public key as PEM.
func (k *KeyStore) EncodePEM() (privPEM, pubPEM []byte, err error) {
	priv, err := k.PrivateKey()
	if err != nil {
		return nil, nil, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(k.public)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

// WriteFiles writes the keypair as private.key and public.key under dir,
// creating dir if needed.  The private key file is readable by the owner only.
func (k *KeyStore) WriteFiles(dir string) (privatePath, publicPath string, err error) {
	privPEM, pubPEM, err := k.EncodePEM()
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	privatePath = filepath.Join(dir, "private.key")
	publicPath = filepath.Join(dir, "public.key")
	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, pubPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privatePath, publicPath, nil
}
