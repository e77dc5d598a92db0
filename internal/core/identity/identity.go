package identity

import (
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// KeyFileName is the DER-encoded Secp256k1 key looked up inside the key directory.
const KeyFileName = "private.pk8"

const (
	SourceFile      = "file"
	SourceGenerated = "generated"
)

var (
	ErrNotSecp256k1 = errors.New("key is not on curve secp256k1")
	ErrBadScalar    = errors.New("secp256k1 scalar out of range")

	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

// Identity is the node keypair and the peer id derived from it.
type Identity struct {
	Key    crypto.PrivKey
	ID     peer.ID
	Source string
}

// ecPrivateKey is the SEC 1 (RFC 5915) structure.
type ecPrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// pkcs8 is the RFC 5208 wrapper. Optional attributes are not read.
type pkcs8 struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
}

// Load reads the Secp256k1 key at path. A missing, unreadable or malformed
// key falls back to a fresh Ed25519 identity that is not persisted.
func Load(path string, log *zap.Logger) (Identity, error) {
	if log == nil {
		log = zap.NewNop()
	}
	der, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("no identity key, generating ephemeral ed25519 identity", zap.String("path", path))
		return Generate()
	case err != nil:
		log.Warn("identity key unreadable, generating ephemeral ed25519 identity", zap.String("path", path), zap.Error(err))
		return Generate()
	}

	key, err := ParseSecp256k1DER(der)
	if err != nil {
		log.Warn("identity key malformed, generating ephemeral ed25519 identity", zap.String("path", path), zap.Error(err))
		return Generate()
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return Identity{}, fmt.Errorf("derive peer id: %w", err)
	}
	return Identity{Key: key, ID: id, Source: SourceFile}, nil
}

// Generate creates a fresh Ed25519 identity.
func Generate() (Identity, error) {
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return Identity{}, fmt.Errorf("derive peer id: %w", err)
	}
	return Identity{Key: key, ID: id, Source: SourceGenerated}, nil
}

// ParseSecp256k1DER accepts a SEC 1 ECPrivateKey, optionally wrapped in
// PKCS#8, and returns it as a libp2p key.
func ParseSecp256k1DER(der []byte) (crypto.PrivKey, error) {
	inner := der
	var p8 pkcs8
	if rest, err := asn1.Unmarshal(der, &p8); err == nil && len(rest) == 0 && p8.Algo.Algorithm.Equal(oidECPublicKey) {
		var curve asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(p8.Algo.Parameters.FullBytes, &curve); err != nil || !curve.Equal(oidSecp256k1) {
			return nil, ErrNotSecp256k1
		}
		inner = p8.PrivateKey
	}

	var ec ecPrivateKey
	rest, err := asn1.Unmarshal(inner, &ec)
	if err != nil {
		return nil, fmt.Errorf("parse ec private key: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing data after ec private key")
	}
	if ec.Version != 1 {
		return nil, fmt.Errorf("unsupported ec private key version %d", ec.Version)
	}
	if len(ec.NamedCurveOID) > 0 && !ec.NamedCurveOID.Equal(oidSecp256k1) {
		return nil, ErrNotSecp256k1
	}
	if len(ec.PrivateKey) > 32 {
		return nil, ErrBadScalar
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(ec.PrivateKey); overflow || scalar.IsZero() {
		return nil, ErrBadScalar
	}
	raw := scalar.Bytes()
	key, err := crypto.UnmarshalSecp256k1PrivateKey(raw[:])
	if err != nil {
		return nil, fmt.Errorf("load secp256k1 key: %w", err)
	}
	return key, nil
}
