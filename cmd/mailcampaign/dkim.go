package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zephy0808/mailcampaign/internal/dkim"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA 2048-bit DKIM key pair and print the DNS record to publish.`,
	RunE:  runDKIMKeygen,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimKeygenCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimKeygenCmd.Flags().StringVar(&dkimSelector, "selector", "mailcampaign", "DKIM selector")
	dkimKeygenCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimKeygenCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "mailcampaign", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimKeygenCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMKeygen(cmd *cobra.Command, args []string) error {
	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.%s.pem", dkimSelector, dkimDomain))
	if err := kp.Save(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	return printDKIMRecord(kp)
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadPrivateKey(dkimKeyFile)
	if err != nil {
		return err
	}
	return printDKIMRecord(&dkim.KeyPair{PrivateKey: key, Domain: dkimDomain, Selector: dkimSelector})
}

func printDKIMRecord(kp *dkim.KeyPair) error {
	value, err := kp.RecordValue()
	if err != nil {
		return err
	}

	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", kp.RecordName())
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", value)
	return nil
}
