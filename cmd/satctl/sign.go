package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/cfdi-descarga/internal/credential"
	"github.com/gateway-fm/cfdi-descarga/internal/signer"
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Build a signed authentication envelope without sending it",
	Example: `  # Print the envelope and check it the way the remote side would
  satctl sign --cert=fiel.cer --key=fiel.key --passphrase-file=fiel.txt --verify`,
	Args: cobra.NoArgs,
	RunE: signCmdRun,
}

type signFlags struct {
	certPath       string
	keyPath        string
	passphrasePath string
	algorithm      string
	verify         bool
}

var signArgs signFlags

func init() {
	signCmd.Flags().StringVar(&signArgs.certPath, "cert", "", "path to the .cer file (required)")
	signCmd.Flags().StringVar(&signArgs.keyPath, "key", "", "path to the encrypted .key file (required)")
	signCmd.Flags().StringVar(&signArgs.passphrasePath, "passphrase-file", "", "path to a file holding the key passphrase (required)")
	signCmd.Flags().StringVar(&signArgs.algorithm, "algorithm", signer.AlgorithmRSASHA1, "signature algorithm: rsa-sha1 or rsa-sha256")
	signCmd.Flags().BoolVar(&signArgs.verify, "verify", false, "verify the envelope after signing")
	_ = signCmd.MarkFlagRequired("cert")
	_ = signCmd.MarkFlagRequired("key")
	_ = signCmd.MarkFlagRequired("passphrase-file")

	rootCmd.AddCommand(signCmd)
}

func signCmdRun(cmd *cobra.Command, args []string) error {
	var m credential.Material
	var err error
	if m.Cert, err = os.ReadFile(signArgs.certPath); err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}
	if m.Key, err = os.ReadFile(signArgs.keyPath); err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	if m.Passphrase, err = os.ReadFile(signArgs.passphrasePath); err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer m.Zero()

	bundle, err := credential.Parse(m, time.Now())
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	defer bundle.Zero()

	if !bundle.Operational() {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: certificate looks like a CSD, not an e.firma")
	}
	if bundle.ExpiresSoon() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: certificate expires %s\n", bundle.Certificate().NotAfter.Format(time.DateOnly))
	}

	env, err := signer.New(clockwork.NewRealClock(), signer.WithAlgorithm(strings.ToLower(signArgs.algorithm))).SignAuthentication(bundle)
	if err != nil {
		return fmt.Errorf("failed to sign envelope: %w", err)
	}
	if _, err := cmd.OutOrStdout().Write(env.Body); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())

	if signArgs.verify {
		cert, err := signer.Verify(env.Body, env.Created)
		if err != nil {
			return fmt.Errorf("envelope does not verify: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "envelope verified: subject=%q rfc=%s algorithm=%s expires=%s\n",
			cert.Subject.CommonName, bundle.RFC(), env.Algorithm, env.Expires.Format(time.RFC3339))
	}
	return nil
}
