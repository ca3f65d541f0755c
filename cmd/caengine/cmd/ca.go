package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pkisouverain/caengine/pki"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage CA identities",
}

var (
	caName         string
	caKeyBits      int
	caValidityDays int
	caCertOut      string
	caJSONOutput   bool
	caKeyOut       string
)

var caInitRootCmd = &cobra.Command{
	Use:   "init-root",
	Short: "Generate and activate a self-signed root CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			return runGenerateCA(cmd.Context(), e, false, cmd.OutOrStdout())
		})
	},
}

var caInitIntermediateCmd = &cobra.Command{
	Use:   "init-intermediate",
	Short: "Generate an intermediate CA signed by the active CA",
	Long: `Generates an intermediate CA under the active CA. The intermediate is
stored inactive; promote it with "caengine ca activate <id>".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			return runGenerateCA(cmd.Context(), e, true, cmd.OutOrStdout())
		})
	},
}

var caActivateCmd = &cobra.Command{
	Use:   "activate <ca-id>",
	Short: "Make a CA the active signer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			ca, err := e.ActivateCA(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printCA(cmd.OutOrStdout(), ca)
			return nil
		})
	},
}

var caDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Clear the active CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			if err := e.DeactivateCA(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Active CA cleared.")
			return nil
		})
	},
}

var caStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active CA and certificate counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			status, err := e.GetCAStatus(cmd.Context())
			if err != nil {
				return err
			}
			if caJSONOutput {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		})
	},
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every CA identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			cas, err := e.ListCAs(cmd.Context())
			if err != nil {
				return err
			}
			return printCAList(cmd.OutOrStdout(), cas)
		})
	},
}

var caCertCmd = &cobra.Command{
	Use:   "cert",
	Short: "Print the active CA certificate as PEM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			ca, err := e.GetActiveCA(cmd.Context())
			if err != nil {
				return err
			}
			return writeOrPrint(cmd.OutOrStdout(), caCertOut, []byte(ca.CertificatePEM), 0o644)
		})
	},
}

var caExportKeyCmd = &cobra.Command{
	Use:   "export-key <ca-id>",
	Short: "Write a CA's password-protected PKCS#12 container to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			blob, err := e.ExportKeyContainer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := writeOrPrint(cmd.OutOrStdout(), caKeyOut, blob, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", len(blob), caKeyOut)
			return nil
		})
	},
}

func runGenerateCA(ctx context.Context, e *pki.Engine, intermediate bool, w io.Writer) error {
	req := pki.GenerateCARequest{Name: caName, KeyBits: caKeyBits, ValidityDays: caValidityDays}
	var (
		ca  *pki.CAIdentity
		err error
	)
	if intermediate {
		ca, err = e.GenerateIntermediateCA(ctx, req)
	} else {
		ca, err = e.GenerateRootCA(ctx, req)
	}
	if err != nil {
		return err
	}
	printCA(w, ca)
	if caCertOut != "" {
		return writeOrPrint(w, caCertOut, []byte(ca.CertificatePEM), 0o644)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caInitRootCmd, caInitIntermediateCmd, caActivateCmd, caDeactivateCmd,
		caStatusCmd, caListCmd, caCertCmd, caExportKeyCmd)

	for _, c := range []*cobra.Command{caInitRootCmd, caInitIntermediateCmd} {
		c.Flags().StringVar(&caName, "name", "", "Common name of the CA")
		c.Flags().IntVar(&caKeyBits, "key-bits", 0, "RSA modulus size or ECDSA curve size (profile default when 0)")
		c.Flags().IntVar(&caValidityDays, "days", 0, "Validity in days (profile default when 0)")
		c.Flags().StringVar(&caCertOut, "cert-out", "", "Also write the CA certificate PEM to this file")
		c.MarkFlagRequired("name")
	}
	caCertCmd.Flags().StringVarP(&caCertOut, "out", "o", "", "Write the PEM to this file instead of stdout")
	caStatusCmd.Flags().BoolVar(&caJSONOutput, "json", false, "Output status as JSON")
	caExportKeyCmd.Flags().StringVarP(&caKeyOut, "out", "o", "", "Destination .p12 file")
	caExportKeyCmd.MarkFlagRequired("out")
}
