package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkisouverain/caengine/pki"
)

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type verifyResult struct {
	File       string        `json:"file"`
	Issuer     string        `json:"issuer"`
	Number     string        `json:"crl_number"`
	EntryCount int           `json:"entry_count"`
	Valid      bool          `json:"valid"`
	Checks     []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

// verifyCRL checks a published CRL against the certificate of the CA that
// is supposed to have signed it. When serial is set, the result also
// reports whether that serial is listed.
func verifyCRL(crlPEM, caPEM, serial string, now time.Time) verifyResult {
	result := verifyResult{Valid: true}

	crl, err := pki.ParseCRLPEM(crlPEM)
	if err != nil {
		result.fail("crl_decode", err.Error())
		return result
	}
	result.pass("crl_decode", "")
	result.Issuer = pki.SubjectString(crl.Issuer)
	result.EntryCount = len(crl.RevokedCertificateEntries)
	if crl.Number != nil {
		result.Number = crl.Number.String()
	}

	ca, err := pki.ParseCertificatePEM(caPEM)
	if err != nil {
		result.fail("ca_decode", err.Error())
		return result
	}
	result.pass("ca_decode", "")

	// 1. Issuer name.
	if bytes.Equal(crl.RawIssuer, ca.RawSubject) {
		result.pass("issuer_match", "")
	} else {
		result.fail("issuer_match", fmt.Sprintf("CRL issuer %q, CA subject %q", result.Issuer, pki.SubjectString(ca.Subject)))
	}

	// 2. Signature.
	if err := crl.CheckSignatureFrom(ca); err != nil {
		result.fail("signature", err.Error())
	} else {
		result.pass("signature", crl.SignatureAlgorithm.String())
	}

	// 3. Authority key identifier.
	switch {
	case len(crl.AuthorityKeyId) == 0:
		result.warn("authority_key_id", "CRL carries no authority key identifier")
	case bytes.Equal(crl.AuthorityKeyId, ca.SubjectKeyId):
		result.pass("authority_key_id", "")
	default:
		result.fail("authority_key_id", "does not match the CA subject key identifier")
	}

	// 4. Freshness. An overdue CRL is a warning: relying parties decide
	// whether to accept it.
	switch {
	case now.Before(crl.ThisUpdate):
		result.warn("freshness", fmt.Sprintf("this_update %s is in the future", crl.ThisUpdate.Format(time.RFC3339)))
	case !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate):
		result.warn("freshness", fmt.Sprintf("next_update %s has passed", crl.NextUpdate.Format(time.RFC3339)))
	default:
		result.pass("freshness", fmt.Sprintf("next update %s", crl.NextUpdate.Format(time.RFC3339)))
	}

	// 5. Serial lookup.
	if serial != "" {
		want, err := pki.ParseSerialHex(strings.ToLower(strings.TrimPrefix(serial, "0x")))
		if err != nil {
			result.fail("serial_status", fmt.Sprintf("invalid serial %q", serial))
			return result
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(want) == 0 {
				result.pass("serial_status", fmt.Sprintf("%s revoked at %s (reason %d)",
					pki.SerialHex(want), entry.RevocationTime.Format(time.RFC3339), entry.ReasonCode))
				return result
			}
		}
		result.pass("serial_status", fmt.Sprintf("%s not listed", pki.SerialHex(want)))
	}
	return result
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "CRL verification: %s\n", result.File)
	fmt.Fprintf(w, "Issuer:  %s\n", result.Issuer)
	fmt.Fprintf(w, "Number:  %s\n", result.Number)
	fmt.Fprintf(w, "Entries: %d\n\n", result.EntryCount)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var (
	verifyCAPath     string
	verifySerial     string
	verifyJSONOutput bool
)

var crlVerifyCmd = &cobra.Command{
	Use:   "verify <crl.pem>",
	Short: "Verify a published CRL offline",
	Long: `Reads a PEM CRL (as served at /api/v1/crl.pem) and checks its issuer,
signature, authority key identifier and freshness against the CA certificate
given with --ca. With --serial, also reports whether that serial is revoked.

Exits 1 when a check fails and 2 when an input cannot be read.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	crlCmd.AddCommand(crlVerifyCmd)
	crlVerifyCmd.Flags().StringVar(&verifyCAPath, "ca", "", "PEM certificate of the issuing CA")
	crlVerifyCmd.Flags().StringVar(&verifySerial, "serial", "", "Hex serial number to look up")
	crlVerifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	crlVerifyCmd.MarkFlagRequired("ca")
}

func runVerify(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	crlPEM, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}
	caPEM, err := os.ReadFile(verifyCAPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read CA certificate: %v\n", err)
		os.Exit(2)
	}

	result := verifyCRL(string(crlPEM), string(caPEM), verifySerial, time.Now())
	result.File = filePath

	if verifyJSONOutput {
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(cmd.OutOrStdout(), result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}

