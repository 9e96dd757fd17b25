// Package witness provides the Ed25519 signers used for author and witness
// attribution on ledger events.
//
// Signatures are standard base64 encodings of 64-byte Ed25519 signatures (88 chars).
package witness

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Prefix is carried by every witness identifier.
const Prefix = "WITNESS:"

var (
	ErrInvalidWitnessID = errors.New("witness: id must carry the WITNESS: prefix")
	ErrEmptySeed        = errors.New("witness: seed must not be empty")
	ErrInvalidSignature = errors.New("witness: invalid signature encoding")
)

// Signer signs ledger content on behalf of an author or a witness.
type Signer interface {
	ID() string
	Sign(msg []byte) (string, error)
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer implements Signer with an in-memory Ed25519 key.
type Ed25519Signer struct {
	id   string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh key pair for id.
func NewEd25519Signer(id string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("witness: key generation failed: %w", err)
	}
	return &Ed25519Signer{id: id, priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(id string, priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{id: id, priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *Ed25519Signer) ID() string { return s.id }

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Ed25519Signer) Sign(msg []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, msg)), nil
}

// NewWitnessID returns a fresh random witness identifier.
func NewWitnessID() string {
	return Prefix + uuid.NewString()
}

// DeriveWitness derives a deterministic witness signer from a master seed
// using HKDF-SHA256 with the witness id as info. The same seed and id always
// yield the same key pair, so witnesses survive restarts without a key file.
func DeriveWitness(seed []byte, witnessID string) (*Ed25519Signer, error) {
	if len(seed) == 0 {
		return nil, ErrEmptySeed
	}
	if !strings.HasPrefix(witnessID, Prefix) || len(witnessID) == len(Prefix) {
		return nil, ErrInvalidWitnessID
	}

	r := hkdf.New(sha256.New, seed, []byte("helm:integrity:witness:v1"), []byte(witnessID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("witness: derive key: %w", err)
	}
	return NewEd25519SignerFromKey(witnessID, ed25519.NewKeyFromSeed(derived)), nil
}

// DeriveAuthor derives the signer for an authoring agent from the same kind
// of master seed. The HKDF salt differs from witness derivation so the two
// key spaces never collide.
func DeriveAuthor(seed []byte, agentID string) (*Ed25519Signer, error) {
	if len(seed) == 0 {
		return nil, ErrEmptySeed
	}
	if agentID == "" {
		return nil, fmt.Errorf("witness: agent id must not be empty")
	}

	r := hkdf.New(sha256.New, seed, []byte("helm:integrity:author:v1"), []byte(agentID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("witness: derive key: %w", err)
	}
	return NewEd25519SignerFromKey(agentID, ed25519.NewKeyFromSeed(derived)), nil
}

// AttestationMessage is the message a witness signs: it binds the content hash
// to the author's signature so the witness certifies the signed event as seen.
func AttestationMessage(contentHash, authorSignature string) []byte {
	return []byte(contentHash + ":" + authorSignature)
}

// VerifySignature checks a base64 Ed25519 signature.
func VerifySignature(pub ed25519.PublicKey, msg []byte, sigB64 string) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("witness: invalid public key size %d", len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, ErrInvalidSignature
	}
	return ed25519.Verify(pub, msg, sig), nil
}
