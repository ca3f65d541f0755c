package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkisouverain/caengine/pki"
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Show, rebuild and verify certificate revocation lists",
}

var (
	crlOut        string
	crlJSONOutput bool
)

var crlShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active CA's current CRL",
	Long: `Prints the stored CRL of the active CA. A missing, stale or expired CRL
is rebuilt first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			doc, err := e.GetCRL(cmd.Context())
			if err != nil {
				return err
			}
			return printCRL(cmd, doc)
		})
	},
}

var crlRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Sign a fresh CRL for the active CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *pki.Engine) error {
			doc, err := e.RebuildCRL(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "CRL #%d signed, next update %s\n", doc.Number, doc.NextUpdate.Format(time.RFC3339))
			return printCRL(cmd, doc)
		})
	},
}

func printCRL(cmd *cobra.Command, doc *pki.CRLDocument) error {
	if crlJSONOutput {
		return printJSON(cmd.OutOrStdout(), doc)
	}
	return writeOrPrint(cmd.OutOrStdout(), crlOut, []byte(doc.PEM), 0o644)
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.AddCommand(crlShowCmd, crlRebuildCmd)
	for _, c := range []*cobra.Command{crlShowCmd, crlRebuildCmd} {
		c.Flags().StringVarP(&crlOut, "out", "o", "", "Write the PEM to this file instead of stdout")
		c.Flags().BoolVar(&crlJSONOutput, "json", false, "Output the CRL document as JSON")
	}
}
