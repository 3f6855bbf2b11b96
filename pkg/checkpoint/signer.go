package checkpoint

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

// algEd25519 is the signed-note algorithm byte for Ed25519 keys.
const algEd25519 = 0x01

var _ note.Signer = (*Ed25519Signer)(nil)

// Ed25519Signer signs transcript checkpoints as C2SP signed notes. Name,
// KeyHash and Sign come from the note signer built for the key.
type Ed25519Signer struct {
	note.Signer
	publicKey ed25519.PublicKey
}

// NewEd25519Signer creates a signer for privateKey. An empty name defaults
// to eid-audit-<first 8 hex chars of the public key>.
func NewEd25519Signer(privateKey ed25519.PrivateKey, name string) (*Ed25519Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	pub := privateKey.Public().(ed25519.PublicKey)
	if name == "" {
		name = fmt.Sprintf("eid-audit-%x", pub[:4])
	}

	// A verifier key reads name+hash+key with an 8 hex digit hash; the signer
	// key carries the same name and hash.
	vkey, err := note.NewEd25519VerifierKey(name, pub)
	if err != nil {
		return nil, fmt.Errorf("encode verifier key: %w", err)
	}
	if strings.Contains(name, "+") || len(vkey) < len(name)+9 {
		return nil, fmt.Errorf("invalid signer name %q", name)
	}
	hash := vkey[len(name)+1 : len(name)+9]
	seed := append([]byte{algEd25519}, privateKey.Seed()...)
	signer, err := note.NewSigner("PRIVATE+KEY+" + name + "+" + hash + "+" + base64.StdEncoding.EncodeToString(seed))
	if err != nil {
		return nil, fmt.Errorf("create signer %q: %w", name, err)
	}

	return &Ed25519Signer{Signer: signer, publicKey: pub}, nil
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// Verifier returns the note verifier matching the signer.
func (s *Ed25519Signer) Verifier() (note.Verifier, error) {
	return NewVerifier(s.Name(), s.publicKey)
}

// NewVerifier returns a note verifier for an Ed25519 key published as name.
func NewVerifier(name string, pub ed25519.PublicKey) (note.Verifier, error) {
	vkey, err := note.NewEd25519VerifierKey(name, pub)
	if err != nil {
		return nil, fmt.Errorf("encode verifier key: %w", err)
	}
	v, err := note.NewVerifier(vkey)
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	return v, nil
}
