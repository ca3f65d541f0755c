package api_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkisouverain/caengine/api"
	"github.com/pkisouverain/caengine/keyprotect"
	"github.com/pkisouverain/caengine/pki"
	"github.com/pkisouverain/caengine/storage/memory"
)

const testToken = "s3cret-admin-token"

type testServer struct {
	*httptest.Server
	engine *pki.Engine
	reg    *prometheus.Registry
}

func setupServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	passwords, err := keyprotect.NewStaticPasswordSource([]byte("test-password"))
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	metrics, err := pki.NewMetrics(reg)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	engine := pki.New(memory.NewRepository(),
		keyprotect.New(keyprotect.NewRepoStore(memory.NewRepository())),
		passwords,
		pki.WithLogger(logger),
		pki.WithMetrics(metrics),
		pki.WithProfile(pki.Profile{KeyAlgorithm: pki.KeyAlgorithmECDSA}),
	)

	opts = append([]api.Option{
		api.WithLogger(logger),
		api.WithAdminToken(testToken),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}, opts...)
	a := api.New(engine, opts...)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: engine, reg: reg}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, s.URL+"/api/v1"+path, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) initRoot(t *testing.T) api.CAResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/ca/root", pki.GenerateCARequest{Name: "API Root", KeyBits: 256, ValidityDays: 365})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.CAResponse](t, resp)
}

func csrPEM(t *testing.T, cn string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pemText, err := pki.CreateCSRPEM(pkix.Name{CommonName: cn, Organization: []string{"Acme"}}, []string{cn + ".example.cm"}, key)
	require.NoError(t, err)
	return pemText
}

func (s *testServer) sign(t *testing.T, cn, subjectRef string) api.CertificateResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/certificates", api.SignCSRRequest{CSRPEM: csrPEM(t, cn), ValidityDays: 30, SubjectRef: subjectRef})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.CertificateResponse](t, resp)
}

func TestCALifecycle(t *testing.T) {
	srv := setupServer(t)

	root := srv.initRoot(t)
	assert.True(t, root.IsActive)
	assert.Equal(t, "ECDSA", root.KeyAlgorithm)
	assert.Contains(t, root.SubjectDN, "CN=API Root")

	resp := srv.do(t, http.MethodPost, "/ca/root", pki.GenerateCARequest{Name: "Second"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, pki.ErrActiveCAExists.Error(), decode[api.ErrorResponse](t, resp).Error)

	resp = srv.do(t, http.MethodPost, "/ca/intermediate", pki.GenerateCARequest{Name: "Issuing CA"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	inter := decode[api.CAResponse](t, resp)
	assert.True(t, inter.IsIntermediate)
	assert.False(t, inter.IsActive)
	assert.Equal(t, root.ID, inter.ParentID)

	resp = srv.do(t, http.MethodPost, "/ca/"+inter.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[api.CAResponse](t, resp).IsActive)

	resp = srv.do(t, http.MethodGet, "/ca", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListCAsResponse](t, resp)
	require.Len(t, list.CAs, 2)
	for _, ca := range list.CAs {
		assert.Equal(t, ca.ID == inter.ID, ca.IsActive, ca.Name)
	}

	resp = srv.do(t, http.MethodGet, "/ca/"+root.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, root.ID, decode[api.CAResponse](t, resp).ID)

	resp = srv.do(t, http.MethodGet, "/ca/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[pki.CAStatus](t, resp)
	assert.True(t, status.IsActive)
	assert.Equal(t, inter.ID, status.CAID)

	resp = srv.do(t, http.MethodPost, "/ca/deactivate", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = srv.do(t, http.MethodPost, "/ca/deactivate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGenerateRootCA_ValidationErrors(t *testing.T) {
	srv := setupServer(t)

	resp := srv.do(t, http.MethodPost, "/ca/root", pki.GenerateCARequest{Name: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/ca/root", map[string]any{"name": "x", "unexpected": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request body", decode[api.ErrorResponse](t, resp).Error)
}

func TestCertificateLifecycle(t *testing.T) {
	srv := setupServer(t)
	srv.initRoot(t)

	cert := srv.sign(t, "alice", "user-alice")
	assert.Equal(t, pki.StatusActive, cert.Status)
	assert.Equal(t, "user-alice", cert.SubjectRef)
	assert.Contains(t, cert.CertificatePEM, "BEGIN CERTIFICATE")

	resp := srv.do(t, http.MethodGet, "/certificates/"+cert.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cert.SerialNumber, decode[api.CertificateResponse](t, resp).SerialNumber)

	resp = srv.do(t, http.MethodPost, "/certificates/"+cert.ID+"/revoke",
		api.RevokeRequest{Reason: "key_compromise"}, "X-Actor", "ops@example.cm")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crl := decode[api.CRLResponse](t, resp)
	require.Len(t, crl.Entries, 1)
	assert.Equal(t, cert.SerialNumber, crl.Entries[0].SerialNumber)
	assert.Equal(t, 1, crl.Entries[0].ReasonCode)

	resp = srv.do(t, http.MethodGet, "/certificates/"+cert.ID, nil)
	got := decode[api.CertificateResponse](t, resp)
	assert.Equal(t, pki.StatusRevoked, got.Status)
	assert.Equal(t, "ops@example.cm", got.RevokedBy)

	// Revoked certificates survive deletion so they stay on the CRL.
	resp = srv.do(t, http.MethodDelete, "/certificates/"+cert.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = srv.do(t, http.MethodGet, "/certificates/"+cert.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	other := srv.sign(t, "bob", "user-bob")
	resp = srv.do(t, http.MethodDelete, "/certificates/"+other.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = srv.do(t, http.MethodGet, "/certificates/"+other.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, pki.ErrCertNotFound.Error()+": "+other.ID, decode[api.ErrorResponse](t, resp).Error)

	resp = srv.do(t, http.MethodPost, "/certificates/missing/revoke", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignCSR_Errors(t *testing.T) {
	srv := setupServer(t)

	resp := srv.do(t, http.MethodPost, "/certificates", api.SignCSRRequest{CSRPEM: csrPEM(t, "early"), ValidityDays: 30})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no active CA")

	srv.initRoot(t)
	resp = srv.do(t, http.MethodPost, "/certificates", api.SignCSRRequest{CSRPEM: "garbage", ValidityDays: 30})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, strings.HasPrefix(decode[api.ErrorResponse](t, resp).Error, pki.ErrInvalidPEM.Error()))

	resp = srv.do(t, http.MethodPost, "/certificates", api.SignCSRRequest{CSRPEM: csrPEM(t, "x"), ValidityDays: 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListCertificates(t *testing.T) {
	srv := setupServer(t)
	srv.initRoot(t)

	for _, cn := range []string{"a", "b", "c"} {
		srv.sign(t, cn, "team-1")
	}
	revoked := srv.sign(t, "d", "team-2")
	resp := srv.do(t, http.MethodPost, "/certificates/"+revoked.ID+"/revoke", api.RevokeRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/certificates?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[api.ListCertificatesResponse](t, resp)
	assert.Len(t, page.Certificates, 2)
	assert.Equal(t, 4, page.TotalCount)
	assert.True(t, page.HasMore)

	resp = srv.do(t, http.MethodGet, "/certificates?subject_ref=team-1", nil)
	assert.Equal(t, 3, decode[api.ListCertificatesResponse](t, resp).TotalCount)

	resp = srv.do(t, http.MethodGet, "/certificates?status=revoked", nil)
	page = decode[api.ListCertificatesResponse](t, resp)
	require.Len(t, page.Certificates, 1)
	assert.Equal(t, revoked.ID, page.Certificates[0].ID)
}

func TestDistributionPoints(t *testing.T) {
	srv := setupServer(t)

	get := func(path string) *http.Response {
		resp, err := srv.Client().Get(srv.URL + "/api/v1" + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusConflict, get("/crl.pem").StatusCode)

	srv.initRoot(t)
	resp := get("/crl.pem")
	require.Equal(t, http.StatusOK, resp.StatusCode, "no token needed")
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_, err = pki.ParseCRLPEM(string(body))
	require.NoError(t, err)

	resp = get("/ca/active/cert.pem")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_, err = pki.ParseCertificatePEM(string(body))
	require.NoError(t, err)
}

func TestRebuildCRL(t *testing.T) {
	srv := setupServer(t)
	srv.initRoot(t)

	resp := srv.do(t, http.MethodPost, "/crl", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[api.CRLResponse](t, resp)
	assert.NotNil(t, first.Entries)

	resp = srv.do(t, http.MethodPost, "/crl", nil)
	second := decode[api.CRLResponse](t, resp)
	assert.Equal(t, first.Number+1, second.Number)
}

func TestExportKeyContainer(t *testing.T) {
	srv := setupServer(t)
	root := srv.initRoot(t)

	resp := srv.do(t, http.MethodGet, "/ca/"+root.ID+"/key.p12", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pkcs12", resp.Header.Get("Content-Type"))
	blob, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	resp = srv.do(t, http.MethodGet, "/ca/unknown/key.p12", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminAuth(t *testing.T) {
	srv := setupServer(t)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/v1/ca/status", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = srv.do(t, http.MethodGet, "/ca/status", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/ca/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminAuth_LockoutAfterRepeatedFailures(t *testing.T) {
	srv := setupServer(t)

	var last int
	for range 12 {
		resp := srv.do(t, http.MethodGet, "/ca/status", nil, "Authorization", "Bearer wrong")
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// The correct token is refused too while the IP is locked out.
	resp := srv.do(t, http.MethodGet, "/ca/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAdminAuth_Disabled(t *testing.T) {
	srv := setupServer(t, api.WithAdminToken(""))

	resp, err := srv.Client().Get(srv.URL + "/api/v1/ca/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAlertsOnKeyExport(t *testing.T) {
	var mu sync.Mutex
	var alerts []api.AlertEvent
	srv := setupServer(t, api.WithAlertFunc(func(e api.AlertEvent) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, e)
	}))
	root := srv.initRoot(t)

	for range 3 {
		resp := srv.do(t, http.MethodGet, "/ca/"+root.ID+"/key.p12", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, api.AlertKeyExport, alerts[0].Type)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := setupServer(t)
	srv.initRoot(t)
	srv.sign(t, "metered", "")

	resp, err := srv.Client().Get(srv.URL + "/api/v1/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "caengine_certificates_issued_total 1")
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t)

	resp := srv.do(t, http.MethodGet, "/ca/status", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Security-Policy"), "default-src 'none'"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"), "plain HTTP gets no HSTS")
}

func TestOpenAPIDocumentServed(t *testing.T) {
	srv := setupServer(t)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/certificates/{certID}/revoke")
}
