package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkisouverain/caengine/internal/config"
	"github.com/pkisouverain/caengine/keyprotect"
	"github.com/pkisouverain/caengine/pki"
	"github.com/pkisouverain/caengine/storage/memory"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestEngine(t *testing.T) *pki.Engine {
	t.Helper()
	passwords, err := keyprotect.NewStaticPasswordSource([]byte("cli-test"))
	require.NoError(t, err)
	return pki.New(memory.NewRepository(),
		keyprotect.New(keyprotect.NewRepoStore(memory.NewRepository())),
		passwords,
		pki.WithLogger(slog.New(slog.DiscardHandler)),
		pki.WithProfile(pki.Profile{KeyAlgorithm: pki.KeyAlgorithmECDSA}),
	)
}

// setFlag assigns a package-level flag variable for the duration of a test.
func setFlag[T any](t *testing.T, dst *T, v T) {
	t.Helper()
	old := *dst
	*dst = v
	t.Cleanup(func() { *dst = old })
}

func generateCSR(t *testing.T, cn string) string {
	t.Helper()
	setFlag(t, &csrCommonName, cn)
	setFlag(t, &csrDNSNames, []string{cn + ".example.cm"})
	setFlag(t, &csrAlgorithm, "ecdsa")
	setFlag(t, &csrKeyBits, 0)
	setFlag(t, &csrOut, "")
	setFlag(t, &csrKeyOut, filepath.Join(t.TempDir(), "leaf.key"))

	var out bytes.Buffer
	require.NoError(t, runGenerateCSR(&out))
	return out.String()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestGenerateCSR(t *testing.T) {
	csrPEM := generateCSR(t, "device-7")

	csr, err := pki.ParseCSRPEM(csrPEM)
	require.NoError(t, err)
	assert.Equal(t, "device-7", csr.Subject.CommonName)
	assert.Equal(t, []string{"device-7.example.cm"}, csr.DNSNames)

	info, err := os.Stat(csrKeyOut)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestGenerateCSR_Errors(t *testing.T) {
	setFlag(t, &csrCommonName, "")
	assert.Error(t, runGenerateCSR(&bytes.Buffer{}))

	_, err := newCSRKey("DSA", 0)
	assert.Error(t, err)
	_, err = newCSRKey("ECDSA", 300)
	assert.Error(t, err)
}

func TestSignRevokeAndVerify(t *testing.T) {
	ctx := t.Context()
	e := newTestEngine(t)

	setFlag(t, &caName, "CLI Root")
	setFlag(t, &caKeyBits, 256)
	setFlag(t, &caValidityDays, 365)
	setFlag(t, &caCertOut, "")
	var out bytes.Buffer
	require.NoError(t, runGenerateCA(ctx, e, false, &out))
	assert.Contains(t, out.String(), "CLI Root (root)")

	setFlag(t, &signDays, 30)
	setFlag(t, &signSubjectRef, "ops@example.cm")
	setFlag(t, &signOut, "")
	var certOut, info bytes.Buffer
	require.NoError(t, runSign(ctx, e, generateCSR(t, "leaf"), &certOut, &info))
	leaf, err := pki.ParseCertificatePEM(certOut.String())
	require.NoError(t, err)
	assert.Contains(t, info.String(), "Issued certificate")

	certs, err := e.ListCertificates(ctx, pki.CertificateFilter{})
	require.NoError(t, err)
	require.Len(t, certs, 1)

	setFlag(t, &revokeReason, "superseded")
	setFlag(t, &revokeActor, "tester")
	out.Reset()
	require.NoError(t, runRevoke(ctx, e, certs[0].ID, &out))
	assert.Contains(t, out.String(), "lists 1 certificate(s)")

	ca, err := e.GetActiveCA(ctx)
	require.NoError(t, err)
	doc, err := e.GetCRL(ctx)
	require.NoError(t, err)

	result := verifyCRL(doc.PEM, ca.CertificatePEM, pki.SerialHex(leaf.SerialNumber), time.Now())
	assert.True(t, result.Valid)
	assert.Equal(t, 1, result.EntryCount)
	for _, c := range result.Checks {
		assert.Equal(t, "pass", c.Status, "check %s: %s", c.Name, c.Detail)
	}
	last := result.Checks[len(result.Checks)-1]
	assert.Equal(t, "serial_status", last.Name)
	assert.Contains(t, last.Detail, "revoked at")
	assert.Contains(t, last.Detail, "reason 4")
}

func TestVerifyCRL_WrongIssuer(t *testing.T) {
	ctx := t.Context()
	e := newTestEngine(t)
	other := newTestEngine(t)

	for _, eng := range []*pki.Engine{e, other} {
		_, err := eng.GenerateRootCA(ctx, pki.GenerateCARequest{Name: "Root", KeyBits: 256, ValidityDays: 30})
		require.NoError(t, err)
	}
	doc, err := e.GetCRL(ctx)
	require.NoError(t, err)
	otherCA, err := other.GetActiveCA(ctx)
	require.NoError(t, err)

	result := verifyCRL(doc.PEM, otherCA.CertificatePEM, "", time.Now())
	assert.False(t, result.Valid)

	statuses := map[string]string{}
	for _, c := range result.Checks {
		statuses[c.Name] = c.Status
	}
	assert.Equal(t, "pass", statuses["issuer_match"], "same subject DN")
	assert.Equal(t, "fail", statuses["signature"])
	assert.Equal(t, "fail", statuses["authority_key_id"])
}

func TestVerifyCRL_StaleAndUnlisted(t *testing.T) {
	ctx := t.Context()
	e := newTestEngine(t)
	ca, err := e.GenerateRootCA(ctx, pki.GenerateCARequest{Name: "Root", KeyBits: 256, ValidityDays: 30})
	require.NoError(t, err)
	doc, err := e.GetCRL(ctx)
	require.NoError(t, err)

	result := verifyCRL(doc.PEM, ca.CertificatePEM, "0x1f", time.Now().Add(30*24*time.Hour))
	assert.True(t, result.Valid, "warnings do not invalidate")

	var human bytes.Buffer
	printHumanResult(&human, result)
	assert.Contains(t, human.String(), "[WARN] freshness")
	assert.Contains(t, human.String(), "1f not listed")
	assert.Contains(t, human.String(), "Result: VALID")
}

func TestVerifyCRL_Garbage(t *testing.T) {
	result := verifyCRL("not a crl", "", "", time.Now())
	assert.False(t, result.Valid)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, "crl_decode", result.Checks[0].Name)

	var human bytes.Buffer
	printHumanResult(&human, result)
	assert.Contains(t, human.String(), "Result: INVALID (1 error(s), 0 warning(s))")
}

func TestOpenRepository(t *testing.T) {
	ctx := t.Context()

	repo, closeFn, err := openRepository(ctx, config.StorageConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.NotNil(t, repo)
	closeFn()

	dir := filepath.Join(t.TempDir(), "data")
	repo, closeFn, err = openRepository(ctx, config.StorageConfig{Driver: config.DriverBbolt, DataDir: dir})
	require.NoError(t, err)
	assert.NotNil(t, repo)
	closeFn()
	_, err = os.Stat(filepath.Join(dir, "caengine.db"))
	assert.NoError(t, err)

	_, _, err = openRepository(ctx, config.StorageConfig{Driver: "sqlite"})
	assert.Error(t, err)
}

func TestOpenEngine_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Keys.Dir = filepath.Join(t.TempDir(), "keys")
	cfg.Keys.PasswordEnv = "CAENGINE_TEST_KEY_PASSWORD"
	cfg.CA.KeyAlgorithm = "ECDSA"
	cfg.CA.DefaultKeyBits = 256
	t.Setenv("CAENGINE_TEST_KEY_PASSWORD", "from-env")

	in, err := openEngine(t.Context(), cfg, nil)
	require.NoError(t, err)
	defer in.Close()

	ca, err := in.engine.GenerateRootCA(t.Context(), pki.GenerateCARequest{Name: "Configured"})
	require.NoError(t, err)
	assert.Equal(t, pki.KeyAlgorithmECDSA, ca.KeyAlgorithm)

	entries, err := os.ReadDir(cfg.Keys.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".p12"))
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, &pki.CAStatus{})
	assert.Contains(t, out.String(), "ca init-root")

	out.Reset()
	printStatus(&out, &pki.CAStatus{IsInitialized: true, IsActive: true, CAName: "Root", ActiveCertificates: 3})
	assert.Contains(t, out.String(), "3 active")
}

func TestServerTLSConfig_SelfSigned(t *testing.T) {
	tlsConfig, selfSigned, err := serverTLSConfig(config.ServerConfig{})
	require.NoError(t, err)
	assert.True(t, selfSigned)
	require.Len(t, tlsConfig.Certificates, 1)

	_, _, err = serverTLSConfig(config.ServerConfig{TLSCert: "missing.pem", TLSKey: "missing.key"})
	assert.Error(t, err)
}
