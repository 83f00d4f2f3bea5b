package arweave

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
)

// Wallet signs transactions with an RSA-4096 key loaded from a JWK file.
type Wallet struct {
	key   *rsa.PrivateKey
	owner string
}

type jwk struct {
	KTY string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
}

// LoadWallet reads a JWK wallet file from disk.
func LoadWallet(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	return ParseJWK(raw)
}

// ParseJWK parses a JWK-encoded RSA private key.
func ParseJWK(raw []byte) (*Wallet, error) {
	var k jwk
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("parse wallet jwk: %w", err)
	}
	if k.KTY != "RSA" {
		return nil, fmt.Errorf("unsupported wallet key type %q", k.KTY)
	}

	n, err := decodeBig(k.N)
	if err != nil {
		return nil, fmt.Errorf("wallet modulus: %w", err)
	}
	e, err := decodeBig(k.E)
	if err != nil {
		return nil, fmt.Errorf("wallet exponent: %w", err)
	}
	d, err := decodeBig(k.D)
	if err != nil {
		return nil, fmt.Errorf("wallet private exponent: %w", err)
	}
	p, err := decodeBig(k.P)
	if err != nil {
		return nil, fmt.Errorf("wallet prime p: %w", err)
	}
	q, err := decodeBig(k.Q)
	if err != nil {
		return nil, fmt.Errorf("wallet prime q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wallet key: %w", err)
	}

	return NewWallet(key), nil
}

// NewWallet wraps an RSA private key.
func NewWallet(key *rsa.PrivateKey) *Wallet {
	return &Wallet{
		key:   key,
		owner: base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
	}
}

// Owner returns the base64url modulus of the wallet's public key.
func (w *Wallet) Owner() string {
	return w.owner
}

// Address returns the wallet address: base64url(SHA-256(owner modulus)).
func (w *Wallet) Address() string {
	ownerBytes := w.key.PublicKey.N.Bytes()
	sum := sha256.Sum256(ownerBytes)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign signs the transaction in place, setting owner, signature and id.
// The signature is RSA-PSS over SHA-256(deep hash) with a 32-byte salt;
// the transaction id is SHA-256 of the signature bytes.
func (w *Wallet) Sign(tx *Transaction) error {
	tx.Owner = w.owner

	sigData, err := tx.SignatureData()
	if err != nil {
		return fmt.Errorf("compute signature data: %w", err)
	}
	digest := sha256.Sum256(sigData[:])

	sig, err := rsa.SignPSS(rand.Reader, w.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}

	tx.Signature = base64.RawURLEncoding.EncodeToString(sig)
	id := sha256.Sum256(sig)
	tx.ID = base64.RawURLEncoding.EncodeToString(id[:])
	return nil
}

// Verify checks a transaction's signature against its owner key.
func Verify(tx *Transaction) error {
	ownerBytes, err := base64.RawURLEncoding.DecodeString(tx.Owner)
	if err != nil {
		return fmt.Errorf("decode owner: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(tx.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	sigData, err := tx.SignatureData()
	if err != nil {
		return fmt.Errorf("compute signature data: %w", err)
	}
	digest := sha256.Sum256(sigData[:])

	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(ownerBytes), E: 65537}
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
}

func decodeBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing field")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
