package repo

import (
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
)

// KeyType tags which curve a repository's signing key uses (§4.4,
// §9 "Polymorphism: tagged variants over inheritance").
type KeyType string

const (
	KeyTypeSecp256k1 KeyType = "secp256k1"
	KeyTypeP256      KeyType = "p256"
)

// Signer holds one private key per repository and signs commit digests.
// It never exposes the underlying key bytes; callers get a Signer back
// from GenerateKey/ParseKey, not raw material (§4.4).
type Signer struct {
	keyType KeyType
	priv    atcrypto.PrivateKeyExportable
}

// GenerateKey creates a new private key of the given type and returns a
// Signer plus its multibase-encoded string for storage in the opaque
// keystore. secp256k1 is the default per §4.4; P-256 is also accepted.
func GenerateKey(keyType KeyType) (*Signer, string, error) {
	var priv atcrypto.PrivateKeyExportable
	var err error
	switch keyType {
	case KeyTypeP256:
		priv, err = atcrypto.GeneratePrivateKeyP256()
	case KeyTypeSecp256k1, "":
		keyType = KeyTypeSecp256k1
		priv, err = atcrypto.GeneratePrivateKeyK256()
	default:
		return nil, "", fmt.Errorf("signing: unknown key type %q", keyType)
	}
	if err != nil {
		return nil, "", fmt.Errorf("signing: generate %s key: %w", keyType, err)
	}
	return &Signer{keyType: keyType, priv: priv}, priv.Multibase(), nil
}

// ParseKey loads a Signer from a multibase-encoded private key string.
// The curve is inferred from the multibase prefix, matching
// atcrypto.ParsePrivateMultibase's own dispatch.
func ParseKey(multibase string) (*Signer, error) {
	priv, err := atcrypto.ParsePrivateMultibase(multibase)
	if err != nil {
		return nil, fmt.Errorf("signing: parse key: %w", err)
	}
	keyType := KeyTypeSecp256k1
	if _, ok := priv.(*atcrypto.PrivateKeyP256); ok {
		keyType = KeyTypeP256
	}
	return &Signer{keyType: keyType, priv: priv}, nil
}

// KeyType reports which curve this Signer uses.
func (s *Signer) KeyType() KeyType { return s.keyType }

// DIDKey returns the did:key representation of the signer's public key,
// used when constructing genesis PLC operations and DID documents.
func (s *Signer) DIDKey() (string, error) {
	pub, err := s.priv.PublicKey()
	if err != nil {
		return "", fmt.Errorf("signing: derive public key: %w", err)
	}
	return pub.DIDKey(), nil
}

// PublicKeyMultibase returns the multibase-encoded public key, for
// DID document verificationMethod entries (§4.4, §4.9).
func (s *Signer) PublicKeyMultibase() (string, error) {
	pub, err := s.priv.PublicKey()
	if err != nil {
		return "", fmt.Errorf("signing: derive public key: %w", err)
	}
	return pub.Multibase(), nil
}

// Sign signs canonicalBytes, the canonical CBOR encoding the caller has
// already produced (§4.4: "the caller is responsible for computing the
// digest over canonical CBOR"). atcrypto's exported signing surface
// hashes internally rather than accepting a bare 32-byte digest, so the
// SHA-256 step itself happens inside HashAndSign; callers never touch
// key bytes either way.
func (s *Signer) Sign(canonicalBytes []byte) ([]byte, error) {
	sig, err := s.priv.HashAndSign(canonicalBytes)
	if err != nil {
		return nil, fmt.Errorf("signing: sign: %w", err)
	}
	return sig, nil
}

// SignCommit signs commit in place. Routing this through Signer (rather
// than handing the engine the raw atcrypto.PrivateKey) keeps the
// private key instance from ever leaving this package.
func (s *Signer) SignCommit(commit *indigorepo.Commit) error {
	if err := commit.Sign(s.priv); err != nil {
		return fmt.Errorf("signing: sign commit: %w", err)
	}
	return nil
}
