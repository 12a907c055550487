// Package identity signs and verifies worker hardware identifiers with the
// service's Ed25519 keypair.
//
// A worker is provisioned with hex(Sign(hwid)). It presents that value as its
// signed hardware identifier and the service checks it with Verify. The
// private key never leaves the service.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrKeyMaterial is returned when a key file is missing, malformed or
	// not an Ed25519 key.
	ErrKeyMaterial = errors.New("identity: invalid key material")

	// ErrKeyMismatch is returned when the public key does not belong to the
	// private key.
	ErrKeyMismatch = errors.New("identity: public key does not match private key")
)

// Verifier holds the service keypair. It is safe for concurrent use.
type Verifier struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// New builds a Verifier from raw keys, checking that they belong together.
func New(private ed25519.PrivateKey, public ed25519.PublicKey) (*Verifier, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrKeyMaterial, len(private), ed25519.PrivateKeySize)
	}
	if len(public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrKeyMaterial, len(public), ed25519.PublicKeySize)
	}
	if !public.Equal(private.Public()) {
		return nil, ErrKeyMismatch
	}
	return &Verifier{private: private, public: public}, nil
}

// Generate creates a fresh keypair.
func Generate() (*Verifier, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &Verifier{private: private, public: public}, nil
}

// Load reads a PKCS#8 private key and a PKIX public key from PEM files.
// Any problem with either file is returned as an error; callers treat it
// as fatal at startup.
func Load(privatePath, publicPath string) (*Verifier, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %v", ErrKeyMaterial, err)
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read public key: %v", ErrKeyMaterial, err)
	}
	return Parse(privPEM, pubPEM)
}

// Parse decodes PEM-encoded key material.
func Parse(privatePEM, publicPEM []byte) (*Verifier, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM", ErrKeyMaterial)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrKeyMaterial, err)
	}
	private, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, not Ed25519", ErrKeyMaterial, key)
	}

	block, _ = pem.Decode(publicPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM", ErrKeyMaterial)
	}
	pkey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrKeyMaterial, err)
	}
	public, ok := pkey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not Ed25519", ErrKeyMaterial, pkey)
	}

	return New(private, public)
}

// Save writes the keypair as PEM. The private key file is created 0600.
func (v *Verifier) Save(privatePath, publicPath string) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(v.private)
	if err != nil {
		return fmt.Errorf("identity: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(v.public)
	if err != nil {
		return fmt.Errorf("identity: marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return fmt.Errorf("identity: write private key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(publicPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}
	return nil
}

// PublicKey returns the verification key.
func (v *Verifier) PublicKey() ed25519.PublicKey {
	return v.public
}

// Sign returns the Ed25519 signature of message. Ed25519 is deterministic,
// so the same message always yields the same signature.
func (v *Verifier) Sign(message []byte) []byte {
	return ed25519.Sign(v.private, message)
}

// SignHex signs a hardware identifier and hex-encodes the signature, the
// form workers present as their signed hardware identifier.
func (v *Verifier) SignHex(hwid string) string {
	return hex.EncodeToString(v.Sign([]byte(hwid)))
}

// Verify reports whether signature is valid for message. Malformed input
// yields false.
func (v *Verifier) Verify(message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.public, message, signature)
}

// VerifyHex checks a hex-encoded signature over hwid.
func (v *Verifier) VerifyHex(hwid, signedHex string) bool {
	sig, err := hex.DecodeString(signedHex)
	if err != nil {
		return false
	}
	return v.Verify([]byte(hwid), sig)
}
