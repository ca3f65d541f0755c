package cmd

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkisouverain/caengine/pki"
)

var csrCmd = &cobra.Command{
	Use:   "csr",
	Short: "Certificate signing request helpers",
}

var (
	csrCommonName   string
	csrOrganization string
	csrCountry      string
	csrDNSNames     []string
	csrAlgorithm    string
	csrKeyBits      int
	csrOut          string
	csrKeyOut       string
)

var csrGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a key pair and a PEM CSR",
	Long: `Generates a fresh key pair and a PKCS#10 request for it. The private key
is written unencrypted to --key-out with 0600 permissions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerateCSR(cmd.OutOrStdout())
	},
}

func newCSRKey(alg string, bits int) (crypto.Signer, error) {
	switch pki.KeyAlgorithm(strings.ToUpper(alg)) {
	case pki.KeyAlgorithmRSA:
		if bits == 0 {
			bits = 2048
		}
		return rsa.GenerateKey(rand.Reader, bits)
	case pki.KeyAlgorithmECDSA:
		var curve elliptic.Curve
		switch bits {
		case 0, 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported ECDSA curve size %d", bits)
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", alg)
	}
}

func runGenerateCSR(w io.Writer) error {
	if csrCommonName == "" {
		return fmt.Errorf("--cn is required")
	}
	key, err := newCSRKey(csrAlgorithm, csrKeyBits)
	if err != nil {
		return err
	}
	subject := pkix.Name{CommonName: csrCommonName}
	if csrOrganization != "" {
		subject.Organization = []string{csrOrganization}
	}
	if csrCountry != "" {
		subject.Country = []string{csrCountry}
	}
	csrPEM, err := pki.CreateCSRPEM(subject, csrDNSNames, key)
	if err != nil {
		return err
	}
	keyPEM, err := pki.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if err := writeOrPrint(w, csrKeyOut, []byte(keyPEM), 0o600); err != nil {
		return err
	}
	return writeOrPrint(w, csrOut, []byte(csrPEM), 0o644)
}

func init() {
	rootCmd.AddCommand(csrCmd)
	csrCmd.AddCommand(csrGenerateCmd)

	f := csrGenerateCmd.Flags()
	f.StringVar(&csrCommonName, "cn", "", "Subject common name")
	f.StringVar(&csrOrganization, "org", "", "Subject organization")
	f.StringVar(&csrCountry, "country", "", "Subject country (two letters)")
	f.StringSliceVar(&csrDNSNames, "dns", nil, "DNS subject alternative names")
	f.StringVar(&csrAlgorithm, "algorithm", "ECDSA", "Key algorithm: RSA or ECDSA")
	f.IntVar(&csrKeyBits, "key-bits", 0, "RSA modulus size or ECDSA curve size")
	f.StringVarP(&csrOut, "out", "o", "", "Write the CSR to this file instead of stdout")
	f.StringVar(&csrKeyOut, "key-out", "", "Private key destination")
	csrGenerateCmd.MarkFlagRequired("key-out")
}
