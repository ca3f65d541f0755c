package keyprotect_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkisouverain/caengine/keyprotect"
	"github.com/pkisouverain/caengine/storage/memory"
)

func newKeyAndCert(t *testing.T) (crypto.Signer, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key, selfSign(t, key)
}

func selfSign(t *testing.T, key crypto.Signer) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "Key Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func password(s string) *memguard.LockedBuffer {
	return memguard.NewBufferFromBytes([]byte(s))
}

func TestProtect_RoundTrip(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	store, err := keyprotect.NewDirStore(dir)
	require.NoError(t, err)
	p := keyprotect.New(store)

	key, cert := newKeyAndCert(t)
	require.NoError(t, p.StagePlaintext(ctx, "root", key))
	assert.FileExists(t, filepath.Join(dir, "root.key.pem"))

	h, err := p.Protect(ctx, "root", key, cert, password("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "root.p12", h.Container)
	assert.Equal(t, keyprotect.FormatPKCS12, h.Format)
	assert.False(t, h.IsZero())

	// Plaintext is gone once the container exists.
	assert.NoFileExists(t, filepath.Join(dir, "root.key.pem"))

	info, err := os.Stat(filepath.Join(dir, "root.p12"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	signer, gotCert, err := p.Unprotect(ctx, h, password("s3cret"))
	require.NoError(t, err)
	assert.True(t, signer.Public().(*ecdsa.PublicKey).Equal(key.Public()))
	assert.Equal(t, cert.Raw, gotCert.Raw)
}

func TestProtect_RSAKey(t *testing.T) {
	ctx := t.Context()
	p := keyprotect.New(keyprotect.NewRepoStore(memory.NewRepository()))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := selfSign(t, key)

	h, err := p.Protect(ctx, "rsa-root", key, cert, password("changeit"))
	require.NoError(t, err)

	signer, _, err := p.Unprotect(ctx, h, password("changeit"))
	require.NoError(t, err)
	assert.True(t, signer.Public().(*rsa.PublicKey).Equal(key.Public()))
}

func TestUnprotect_WrongPassword(t *testing.T) {
	ctx := t.Context()
	p := keyprotect.New(keyprotect.NewRepoStore(memory.NewRepository()))
	key, cert := newKeyAndCert(t)

	h, err := p.Protect(ctx, "root", key, cert, password("right"))
	require.NoError(t, err)

	_, _, err = p.Unprotect(ctx, h, password("wrong"))
	assert.ErrorIs(t, err, keyprotect.ErrAuthentication)
	assert.NotErrorIs(t, err, keyprotect.ErrContainerMissing)
}

func TestUnprotect_MissingContainer(t *testing.T) {
	ctx := t.Context()
	p := keyprotect.New(keyprotect.NewRepoStore(memory.NewRepository()))

	_, _, err := p.Unprotect(ctx, keyprotect.Handle{Name: "ghost", Container: "ghost.p12"}, password("x"))
	assert.ErrorIs(t, err, keyprotect.ErrContainerMissing)
	assert.NotErrorIs(t, err, keyprotect.ErrAuthentication)
}

func TestUnprotect_MalformedContainer(t *testing.T) {
	ctx := t.Context()
	store := keyprotect.NewRepoStore(memory.NewRepository())
	p := keyprotect.New(store)
	require.NoError(t, store.WriteBlob(ctx, "junk.p12", []byte("not a pfx")))

	_, _, err := p.Unprotect(ctx, keyprotect.Handle{Container: "junk.p12"}, password("x"))
	assert.ErrorIs(t, err, keyprotect.ErrMalformedContainer)
}

func TestProtect_NormalizesPassword(t *testing.T) {
	ctx := t.Context()
	p := keyprotect.New(keyprotect.NewRepoStore(memory.NewRepository()))
	key, cert := newKeyAndCert(t)

	// Decomposed on the way in, precomposed on the way out.
	h, err := p.Protect(ctx, "root", key, cert, password("cafe\u0301"))
	require.NoError(t, err)

	_, _, err = p.Unprotect(ctx, h, password("caf\u00e9"))
	assert.NoError(t, err)
}

// failingRemoveStore accepts writes but refuses to delete anything.
type failingRemoveStore struct {
	keyprotect.BlobStore
}

func (failingRemoveStore) RemoveBlob(context.Context, string) error {
	return errors.New("device busy")
}

func TestProtect_PlaintextRetained(t *testing.T) {
	ctx := t.Context()
	inner := keyprotect.NewRepoStore(memory.NewRepository())
	p := keyprotect.New(failingRemoveStore{inner})
	key, cert := newKeyAndCert(t)

	require.NoError(t, p.StagePlaintext(ctx, "root", key))
	h, err := p.Protect(ctx, "root", key, cert, password("pw"))
	require.ErrorIs(t, err, keyprotect.ErrPlaintextRetained)
	assert.Equal(t, "root.p12", h.Container)

	// The container is still usable.
	_, _, err = p.Unprotect(ctx, h, password("pw"))
	assert.NoError(t, err)
}

func TestLoadPlaintext(t *testing.T) {
	ctx := t.Context()
	p := keyprotect.New(keyprotect.NewRepoStore(memory.NewRepository()))
	key, _ := newKeyAndCert(t)

	_, err := p.LoadPlaintext(ctx, "root")
	require.ErrorIs(t, err, keyprotect.ErrPlaintextMissing)

	require.NoError(t, p.StagePlaintext(ctx, "root", key))
	loaded, err := p.LoadPlaintext(ctx, "root")
	require.NoError(t, err)
	assert.True(t, loaded.Public().(*ecdsa.PublicKey).Equal(key.Public()))
}

func TestExportAndDiscard(t *testing.T) {
	ctx := t.Context()
	p := keyprotect.New(keyprotect.NewRepoStore(memory.NewRepository()))
	key, cert := newKeyAndCert(t)

	h, err := p.Protect(ctx, "root", key, cert, password("pw"))
	require.NoError(t, err)

	blob, err := p.Export(ctx, h)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	require.NoError(t, p.Discard(ctx, h))
	_, err = p.Export(ctx, h)
	assert.ErrorIs(t, err, keyprotect.ErrContainerMissing)

	// Discarding twice is harmless.
	assert.NoError(t, p.Discard(ctx, h))
}

func TestDirStore_RejectsPathNames(t *testing.T) {
	store, err := keyprotect.NewDirStore(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, store.WriteBlob(t.Context(), "../escape", []byte("x")))
	assert.Error(t, store.WriteBlob(t.Context(), "", []byte("x")))
}

func TestEnvPasswordSource(t *testing.T) {
	src := keyprotect.EnvPasswordSource{EnvVar: "CAENGINE_TEST_KEYSTORE_PASSWORD", Default: "changeit"}

	t.Setenv("CAENGINE_TEST_KEYSTORE_PASSWORD", "")
	buf, err := src.Password("root")
	require.NoError(t, err)
	assert.Equal(t, "changeit", buf.String())
	buf.Destroy()

	t.Setenv("CAENGINE_TEST_KEYSTORE_PASSWORD", "from-env")
	buf, err = src.Password("root")
	require.NoError(t, err)
	assert.Equal(t, "from-env", buf.String())
	buf.Destroy()

	_, err = keyprotect.EnvPasswordSource{EnvVar: "CAENGINE_TEST_UNSET_PASSWORD"}.Password("root")
	assert.ErrorIs(t, err, keyprotect.ErrNoPassword)
}

func TestStaticPasswordSource(t *testing.T) {
	src, err := keyprotect.NewStaticPasswordSource([]byte("static"))
	require.NoError(t, err)

	for range 2 {
		buf, err := src.Password("any")
		require.NoError(t, err)
		assert.Equal(t, "static", buf.String())
		buf.Destroy()
	}

	_, err = keyprotect.NewStaticPasswordSource(nil)
	assert.ErrorIs(t, err, keyprotect.ErrNoPassword)
}
