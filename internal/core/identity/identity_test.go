package identity

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"os"
	"path/filepath"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/crypto/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sec1DER(t *testing.T, k *secp256k1.PrivateKey) []byte {
	t.Helper()
	raw := k.Serialize()
	der, err := asn1.Marshal(ecPrivateKey{
		Version:       1,
		PrivateKey:    raw,
		NamedCurveOID: oidSecp256k1,
	})
	require.NoError(t, err)
	return der
}

func pkcs8DER(t *testing.T, k *secp256k1.PrivateKey) []byte {
	t.Helper()
	params, err := asn1.Marshal(oidSecp256k1)
	require.NoError(t, err)
	der, err := asn1.Marshal(pkcs8{
		Version: 0,
		Algo: pkix.AlgorithmIdentifier{
			Algorithm:  oidECPublicKey,
			Parameters: asn1.RawValue{FullBytes: params},
		},
		PrivateKey: sec1DER(t, k),
	})
	require.NoError(t, err)
	return der
}

func expectedID(t *testing.T, k *secp256k1.PrivateKey) peer.ID {
	t.Helper()
	id, err := peer.IDFromPrivateKey((*crypto.Secp256k1PrivateKey)(k))
	require.NoError(t, err)
	return id
}

func TestLoadSecp256k1FromDER(t *testing.T) {
	for name, encode := range map[string]func(*testing.T, *secp256k1.PrivateKey) []byte{
		"sec1":  sec1DER,
		"pkcs8": pkcs8DER,
	} {
		t.Run(name, func(t *testing.T) {
			k, err := secp256k1.GeneratePrivateKey()
			require.NoError(t, err)
			path := filepath.Join(t.TempDir(), KeyFileName)
			require.NoError(t, os.WriteFile(path, encode(t, k), 0o600))

			id, err := Load(path, zaptest.NewLogger(t))
			require.NoError(t, err)
			require.Equal(t, SourceFile, id.Source)
			require.Equal(t, pb.KeyType_Secp256k1, id.Key.Type())
			require.Equal(t, expectedID(t, k), id.ID)
		})
	}
}

func TestLoadFallsBackToEd25519(t *testing.T) {
	dir := t.TempDir()

	missing, err := Load(filepath.Join(dir, KeyFileName), nil)
	require.NoError(t, err)
	require.Equal(t, SourceGenerated, missing.Source)
	require.Equal(t, pb.KeyType_Ed25519, missing.Key.Type())

	bad := filepath.Join(dir, "bad.pk8")
	require.NoError(t, os.WriteFile(bad, []byte("not der"), 0o600))
	malformed, err := Load(bad, nil)
	require.NoError(t, err)
	require.Equal(t, SourceGenerated, malformed.Source)
	require.NotEqual(t, missing.ID, malformed.ID)
}

func TestParseRejectsOtherCurves(t *testing.T) {
	der, err := asn1.Marshal(ecPrivateKey{
		Version:       1,
		PrivateKey:    make([]byte, 32),
		NamedCurveOID: asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7},
	})
	require.NoError(t, err)
	_, err = ParseSecp256k1DER(der)
	require.ErrorIs(t, err, ErrNotSecp256k1)

	zero, err := asn1.Marshal(ecPrivateKey{Version: 1, PrivateKey: make([]byte, 32)})
	require.NoError(t, err)
	_, err = ParseSecp256k1DER(zero)
	require.ErrorIs(t, err, ErrBadScalar)
}
