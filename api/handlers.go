package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/pkisouverain/caengine/pki"
)

const (
	contentTypePEM    = "application/x-pem-file"
	contentTypePKCS12 = "application/x-pkcs12"
)

// GenerateRootCA creates and activates a self-signed root.
func (a *API) GenerateRootCA(w http.ResponseWriter, r *http.Request) {
	var req pki.GenerateCARequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ca, err := a.engine.GenerateRootCA(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCAGenerated, r, actorFromContext(r.Context()),
		slog.String("ca_id", ca.ID),
		slog.String("kind", "root"))
	writeJSON(w, http.StatusCreated, newCAResponse(ca))
}

// GenerateIntermediateCA creates an intermediate under the active CA.
func (a *API) GenerateIntermediateCA(w http.ResponseWriter, r *http.Request) {
	var req pki.GenerateCARequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ca, err := a.engine.GenerateIntermediateCA(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCAGenerated, r, actorFromContext(r.Context()),
		slog.String("ca_id", ca.ID),
		slog.String("kind", "intermediate"),
		slog.String("parent_id", ca.ParentID))
	writeJSON(w, http.StatusCreated, newCAResponse(ca))
}

// ListCAs returns every CA identity.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	cas, err := a.engine.ListCAs(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListCAsResponse{CAs: lo.Map(cas, func(ca *pki.CAIdentity, _ int) CAResponse {
		return newCAResponse(ca)
	})})
}

// GetCA returns one CA identity.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	ca, err := a.engine.GetCA(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCAResponse(ca))
}

// ActivateCA makes the given CA the active signer.
func (a *API) ActivateCA(w http.ResponseWriter, r *http.Request) {
	ca, err := a.engine.ActivateCA(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCAActivated, r, actorFromContext(r.Context()),
		slog.String("ca_id", ca.ID))
	writeJSON(w, http.StatusOK, newCAResponse(ca))
}

// DeactivateCA clears the active CA.
func (a *API) DeactivateCA(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DeactivateCA(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCADeactivated, r, actorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// GetCAStatus reports the dashboard summary.
func (a *API) GetCAStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.engine.GetCAStatus(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetActiveCACertificate serves the active CA certificate as PEM.
func (a *API) GetActiveCACertificate(w http.ResponseWriter, r *http.Request) {
	ca, err := a.engine.GetActiveCA(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writePEM(w, contentTypePEM, ca.CertificatePEM)
}

// ExportKeyContainer serves the CA's password-protected PKCS#12 container.
func (a *API) ExportKeyContainer(w http.ResponseWriter, r *http.Request) {
	caID := chi.URLParam(r, "caID")
	blob, err := a.engine.ExportKeyContainer(r.Context(), caID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditKeyExported, r, actorFromContext(r.Context()),
		slog.String("ca_id", caID))
	w.Header().Set("Content-Type", contentTypePKCS12)
	w.Header().Set("Content-Disposition", `attachment; filename="`+caID+`.p12"`)
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// SignCSR issues a certificate from a PEM CSR.
func (a *API) SignCSR(w http.ResponseWriter, r *http.Request) {
	var req SignCSRRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cert, err := a.engine.SignCSR(r.Context(), req.CSRPEM, req.ValidityDays, req.SubjectRef)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertIssued, r, actorFromContext(r.Context()),
		slog.String("certificate_id", cert.ID),
		slog.String("serial", cert.SerialNumber))
	writeJSON(w, http.StatusCreated, newCertificateResponse(cert, a.engine.Now()))
}

// ListCertificates returns a page of certificates, optionally filtered by
// subject_ref and status.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pki.CertificateFilter{
		SubjectRef: q.Get("subject_ref"),
		Status:     strings.ToUpper(q.Get("status")),
	}
	certs, err := a.engine.ListCertificates(r.Context(), filter)
	if err != nil {
		mapError(w, err)
		return
	}

	now := a.engine.Now()
	limit, offset := parsePagination(r)
	page, meta := paginate(certs, limit, offset)
	writeJSON(w, http.StatusOK, ListCertificatesResponse{
		Certificates: lo.Map(page, func(c *pki.IssuedCertificate, _ int) CertificateResponse {
			return newCertificateResponse(c, now)
		}),
		PaginationMeta: meta,
	})
}

// GetCertificate returns one certificate.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.engine.GetCertificate(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCertificateResponse(cert, a.engine.Now()))
}

// DeleteCertificate removes a certificate record. Unknown ids succeed.
func (a *API) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "certID")
	if err := a.engine.DeleteCertificate(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertDeleted, r, actorFromContext(r.Context()),
		slog.String("certificate_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// RevokeCertificate revokes a certificate and returns the refreshed CRL.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "certID")
	actor := actorFromContext(r.Context())
	doc, err := a.engine.RevokeCertificate(r.Context(), id, req.Reason, actor)
	if errors.Is(err, pki.ErrCRLStale) {
		// The ledger already holds the revocation.
		a.audit.logEvent(AuditCertRevoked, r, actor,
			slog.String("certificate_id", id),
			slog.String("reason", req.Reason),
			slog.Bool("crl_stale", true))
	}
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertRevoked, r, actor,
		slog.String("certificate_id", id),
		slog.String("reason", req.Reason),
		slog.Int64("crl_number", doc.Number))
	writeJSON(w, http.StatusOK, newCRLResponse(doc))
}

// GetCRLPEM serves the active CA's current CRL.
func (a *API) GetCRLPEM(w http.ResponseWriter, r *http.Request) {
	doc, err := a.engine.GetCRL(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writePEM(w, contentTypePEM, doc.PEM)
}

// RebuildCRL signs a fresh CRL for the active CA.
func (a *API) RebuildCRL(w http.ResponseWriter, r *http.Request) {
	doc, err := a.engine.RebuildCRL(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCRLRebuilt, r, actorFromContext(r.Context()),
		slog.String("ca_id", doc.IssuerID),
		slog.Int64("crl_number", doc.Number))
	writeJSON(w, http.StatusOK, newCRLResponse(doc))
}
