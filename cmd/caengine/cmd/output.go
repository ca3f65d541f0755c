package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkisouverain/caengine/pki"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeOrPrint writes data to path, or to w when path is empty or "-".
func writeOrPrint(w io.Writer, path string, data []byte, perm os.FileMode) error {
	if path == "" || path == "-" {
		_, err := w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func printCA(w io.Writer, ca *pki.CAIdentity) {
	kind := "root"
	if ca.IsIntermediate {
		kind = "intermediate"
	}
	fmt.Fprintf(w, "ID:          %s\n", ca.ID)
	fmt.Fprintf(w, "Name:        %s (%s)\n", ca.Name, kind)
	fmt.Fprintf(w, "Subject:     %s\n", ca.SubjectDN)
	fmt.Fprintf(w, "Issuer:      %s\n", ca.IssuerDN)
	fmt.Fprintf(w, "Key:         %s %d\n", ca.KeyAlgorithm, ca.KeySize)
	fmt.Fprintf(w, "Serial:      %s\n", ca.SerialNumber)
	fmt.Fprintf(w, "Valid:       %s - %s\n", ca.ValidFrom.Format(time.RFC3339), ca.ValidUntil.Format(time.RFC3339))
	fmt.Fprintf(w, "Active:      %t\n", ca.IsActive)
}

func printCAList(w io.Writer, cas []*pki.CAIdentity) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tVALID UNTIL\tACTIVE")
	for _, ca := range cas {
		kind := "root"
		if ca.IsIntermediate {
			kind = "intermediate"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", ca.ID, ca.Name, kind, ca.ValidUntil.Format(time.DateOnly), ca.IsActive)
	}
	return tw.Flush()
}

func printCertificate(w io.Writer, c *pki.IssuedCertificate, now time.Time) {
	fmt.Fprintf(w, "ID:          %s\n", c.ID)
	fmt.Fprintf(w, "Serial:      %s\n", c.SerialNumber)
	fmt.Fprintf(w, "Subject:     %s\n", c.SubjectDN)
	fmt.Fprintf(w, "Issuer:      %s\n", c.IssuerDN)
	fmt.Fprintf(w, "Fingerprint: %s\n", c.Fingerprint)
	fmt.Fprintf(w, "Valid:       %s - %s\n", c.NotBefore.Format(time.RFC3339), c.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(w, "Status:      %s\n", c.EffectiveStatus(now))
	if c.RevokedAt != nil {
		fmt.Fprintf(w, "Revoked:     %s by %s (%s)\n", c.RevokedAt.Format(time.RFC3339), c.RevokedBy, c.RevocationReason)
	}
}

func printCertificateList(w io.Writer, certs []*pki.IssuedCertificate, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSERIAL\tSUBJECT\tNOT AFTER\tSTATUS")
	for _, c := range certs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.SerialNumber, c.SubjectDN, c.NotAfter.Format(time.DateOnly), c.EffectiveStatus(now))
	}
	return tw.Flush()
}

func printStatus(w io.Writer, s *pki.CAStatus) {
	if !s.IsInitialized {
		fmt.Fprintln(w, "No CA has been generated. Run `caengine ca init-root`.")
		return
	}
	if !s.IsActive {
		fmt.Fprintln(w, "No CA is active. Run `caengine ca activate <id>`.")
		return
	}
	fmt.Fprintf(w, "Active CA:   %s (%s)\n", s.CAName, s.CAID)
	fmt.Fprintf(w, "Subject:     %s\n", s.SubjectDN)
	fmt.Fprintf(w, "Expires in:  %d days (%s)\n", s.DaysUntilExpiration, s.ValidUntil.Format(time.DateOnly))
	fmt.Fprintf(w, "Certificates: %d active, %d revoked, %d expired\n", s.ActiveCertificates, s.RevokedCertificates, s.ExpiredCertificates)
	fmt.Fprintf(w, "CRL:         #%d, next update %s\n", s.CRLNumber, s.CRLNextUpdate.Format(time.RFC3339))
}
