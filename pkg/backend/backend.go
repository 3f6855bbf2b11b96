// Package backend provides an eid.Backend built on Ed25519 signatures.
//
// Identities are self-signed Ed25519 public keys. Every evolvement commit is
// an Ed25519 signature by the proposer, so a verifier needs nothing but the
// public member list to check it.
package backend

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/phnx-im/eid/pkg/eid"
)

const (
	identityDomain = "eid/identity/v1"
	commitDomain   = "eid/commit/v1"
	groupIDSize    = 16
)

// Ensure Backend implements eid.Backend at compile time.
var _ eid.Backend = (*Backend)(nil)

// Backend is an Ed25519 eid.Backend. It is safe for concurrent use when its
// KeyStore is.
type Backend struct {
	keys   KeyStore
	rand   io.Reader
	logger *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithKeyStore sets where secrets are kept. Defaults to an in-memory store.
func WithKeyStore(ks KeyStore) Option {
	return func(b *Backend) {
		b.keys = ks
	}
}

// WithRand sets the randomness source. Defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(b *Backend) {
		b.rand = r
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a Backend.
func New(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	if b.keys == nil {
		b.keys = NewMemoryKeyStore()
	}
	if b.rand == nil {
		b.rand = rand.Reader
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// identityDoc is the encoding of eid.InitialIdentity.
type identityDoc struct {
	Identity  []byte `json:"identity"`
	PublicKey []byte `json:"public_key"`
	Proof     []byte `json:"proof"`
}

func (b *Backend) NewGroupID() (eid.GroupID, error) {
	buf := make([]byte, groupIDSize)
	if _, err := io.ReadFull(b.rand, buf); err != nil {
		return "", fmt.Errorf("read randomness: %w", err)
	}
	return eid.GroupID(hex.EncodeToString(buf)), nil
}

// NewIdentity generates a key pair, stores its secret and returns the
// self-signed public half. The public key doubles as the stable identity.
func (b *Backend) NewIdentity() (eid.InitialIdentity, error) {
	pub, priv, err := b.generate()
	if err != nil {
		return nil, err
	}
	return ImportIdentity(pub, priv)
}

// ImportIdentity encodes identity material for an existing key. It does not
// store the secret.
func ImportIdentity(pub ed25519.PublicKey, priv ed25519.PrivateKey) (eid.InitialIdentity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	doc := identityDoc{
		Identity:  pub,
		PublicKey: pub,
		Proof:     ed25519.Sign(priv, identityMessage(pub, pub)),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	return eid.InitialIdentity(data), nil
}

// ParseIdentity checks the proof of possession carried by id.
func (b *Backend) ParseIdentity(id eid.InitialIdentity) (eid.Member, error) {
	var doc identityDoc
	if err := json.Unmarshal(id, &doc); err != nil {
		return eid.Member{}, fmt.Errorf("decode identity: %w", err)
	}
	if len(doc.PublicKey) != ed25519.PublicKeySize {
		return eid.Member{}, fmt.Errorf("invalid public key size: got %d, want %d", len(doc.PublicKey), ed25519.PublicKeySize)
	}
	if len(doc.Identity) == 0 {
		return eid.Member{}, fmt.Errorf("identity is empty")
	}
	if !ed25519.Verify(doc.PublicKey, identityMessage(doc.Identity, doc.PublicKey), doc.Proof) {
		return eid.Member{}, fmt.Errorf("identity proof does not verify")
	}
	return eid.Member{Identity: doc.Identity, PublicKey: doc.PublicKey}, nil
}

// RotateKey issues a new key pair for self. The caller must hold self's
// current secret.
func (b *Backend) RotateKey(self eid.Member) (eid.Member, error) {
	if _, err := b.keys.Get(self.PublicKey); err != nil {
		return eid.Member{}, err
	}
	pub, _, err := b.generate()
	if err != nil {
		return eid.Member{}, err
	}
	b.logger.Debug("rotated key", "member", self, "key", fmt.Sprintf("%x", pub[:4]))
	return self.WithKey(pub), nil
}

func (b *Backend) Sign(signer eid.Member, msg []byte) ([]byte, error) {
	priv, err := b.keys.Get(signer.PublicKey)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, commitMessage(msg)), nil
}

func (b *Backend) Verify(signer eid.Member, msg, sig []byte) error {
	if len(signer.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(signer.PublicKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(signer.PublicKey, commitMessage(msg), sig) {
		return fmt.Errorf("signature by %s does not verify", signer)
	}
	return nil
}

func (b *Backend) generate() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(b.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	if err := b.keys.Put(pub, priv); err != nil {
		return nil, nil, fmt.Errorf("store key: %w", err)
	}
	return pub, priv, nil
}

// identityMessage binds identity and key with length prefixes so that no two
// pairs share an encoding.
func identityMessage(identity, pub []byte) []byte {
	msg := make([]byte, 0, len(identityDomain)+8+len(identity)+len(pub))
	msg = append(msg, identityDomain...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(identity)))
	msg = append(msg, identity...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(pub)))
	msg = append(msg, pub...)
	return msg
}

func commitMessage(msg []byte) []byte {
	out := make([]byte, 0, len(commitDomain)+len(msg))
	out = append(out, commitDomain...)
	return append(out, msg...)
}
