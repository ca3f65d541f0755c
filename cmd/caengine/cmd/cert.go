package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkisouverain/caengine/pki"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Issue, inspect and revoke certificates",
}

var (
	signCSRPath    string
	signDays       int
	signSubjectRef string
	signOut        string

	revokeReason string
	revokeActor  string

	listSubjectRef string
	listStatus     string
	certJSONOutput bool
)

var certSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a PEM CSR with the active CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		csrPEM, err := readInput(cmd.InOrStdin(), signCSRPath)
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			return runSign(cmd.Context(), e, string(csrPEM), cmd.OutOrStdout(), cmd.ErrOrStderr())
		})
	},
}

var certRevokeCmd = &cobra.Command{
	Use:   "revoke <certificate-id>",
	Short: "Revoke a certificate and rebuild the CRL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			return runRevoke(cmd.Context(), e, args[0], cmd.OutOrStdout())
		})
	},
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			certs, err := e.ListCertificates(cmd.Context(), pki.CertificateFilter{
				SubjectRef: listSubjectRef,
				Status:     strings.ToUpper(listStatus),
			})
			if err != nil {
				return err
			}
			if certJSONOutput {
				return printJSON(cmd.OutOrStdout(), certs)
			}
			return printCertificateList(cmd.OutOrStdout(), certs, e.Now())
		})
	},
}

var certShowCmd = &cobra.Command{
	Use:   "show <certificate-id>",
	Short: "Show one certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			c, err := e.GetCertificate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if certJSONOutput {
				return printJSON(cmd.OutOrStdout(), c)
			}
			printCertificate(cmd.OutOrStdout(), c, e.Now())
			return nil
		})
	},
}

var certDeleteCmd = &cobra.Command{
	Use:   "delete <certificate-id>",
	Short: "Delete a certificate record (revoked certificates are kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			return e.DeleteCertificate(cmd.Context(), args[0])
		})
	},
}

// readInput reads path, or in when path is "-".
func readInput(in io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(in)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func runSign(ctx context.Context, e *pki.Engine, csrPEM string, out, info io.Writer) error {
	c, err := e.SignCSR(ctx, csrPEM, signDays, signSubjectRef)
	if err != nil {
		return err
	}
	fmt.Fprintf(info, "Issued certificate %s (serial %s)\n", c.ID, c.SerialNumber)
	return writeOrPrint(out, signOut, []byte(c.CertificatePEM), 0o644)
}

func runRevoke(ctx context.Context, e *pki.Engine, id string, w io.Writer) error {
	doc, err := e.RevokeCertificate(ctx, id, revokeReason, revokeActor)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Certificate %s revoked. CRL #%d lists %d certificate(s).\n", id, doc.Number, len(doc.Entries))
	return nil
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certSignCmd, certRevokeCmd, certListCmd, certShowCmd, certDeleteCmd)

	certSignCmd.Flags().StringVar(&signCSRPath, "csr", "-", `PEM CSR file ("-" reads stdin)`)
	certSignCmd.Flags().IntVar(&signDays, "days", 365, "Validity in days")
	certSignCmd.Flags().StringVar(&signSubjectRef, "subject-ref", "", "Owner reference stored with the certificate")
	certSignCmd.Flags().StringVarP(&signOut, "out", "o", "", "Write the certificate PEM to this file instead of stdout")

	certRevokeCmd.Flags().StringVar(&revokeReason, "reason", "unspecified", "Revocation reason, e.g. key_compromise")
	certRevokeCmd.Flags().StringVar(&revokeActor, "actor", os.Getenv("USER"), "Operator recorded on the revocation")

	certListCmd.Flags().StringVar(&listSubjectRef, "subject-ref", "", "Only certificates of this owner")
	certListCmd.Flags().StringVar(&listStatus, "status", "", "Only ACTIVE, REVOKED, SUSPENDED or EXPIRED certificates")
	for _, c := range []*cobra.Command{certListCmd, certShowCmd} {
		c.Flags().BoolVar(&certJSONOutput, "json", false, "Output as JSON")
	}
}
