package eid

// GroupID identifies a group for its whole lifetime.
type GroupID string

// InitialIdentity is backend-issued identity material, opaque to this package.
type InitialIdentity []byte

// Backend supplies the cryptographic capabilities EID builds on. It is passed
// to every operation that needs it and is never retained. Implementations
// shared between clients must be safe for concurrent use.
type Backend interface {
	// NewGroupID returns a fresh random group identifier.
	NewGroupID() (GroupID, error)

	// NewIdentity issues identity material and keeps its secret half.
	NewIdentity() (InitialIdentity, error)

	// ParseIdentity validates identity material and returns the member it
	// describes.
	ParseIdentity(id InitialIdentity) (Member, error)

	// RotateKey issues new key material for self. The returned member has
	// the same identity as self. The new secret is kept by the backend.
	RotateKey(self Member) (Member, error)

	// Sign signs msg as signer. It fails if the backend does not hold the
	// signer's secret.
	Sign(signer Member, msg []byte) ([]byte, error)

	// Verify checks a signature produced by Sign. It needs no secrets.
	Verify(signer Member, msg, sig []byte) error
}
