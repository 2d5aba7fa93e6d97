package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zephy0808/mailcampaign/internal/config"
	"github.com/zephy0808/mailcampaign/internal/dkim"
)

var (
	initDomain      string
	initFrom        string
	initMode        string
	initSMTPHost    string
	initSMTPPort    int
	initTrackingURL string
	initDataDir     string
	initAPIKey      string
	initDKIM        bool
	initOutput      string
	initForce       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file",
	Long: `Interactive wizard to create a mailcampaign configuration file.

Missing values are prompted for. An API key is generated when none is given
and a DKIM key pair is created on request.

Examples:
  # Interactive mode
  mailcampaign init

  # Capture mail locally instead of delivering it
  mailcampaign init --domain example.com --mode outbox -o dev.yaml

  # Relay through a smarthost with DKIM signing
  mailcampaign init --domain example.com --smtp-host smtp.example.com --dkim`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDomain, "domain", "", "Sending domain (e.g., example.com)")
	initCmd.Flags().StringVar(&initFrom, "from", "", "From address (default: news@<domain>)")
	initCmd.Flags().StringVar(&initMode, "mode", config.MailModeSMTP, "Mail mode: smtp or outbox")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP relay host")
	initCmd.Flags().IntVar(&initSMTPPort, "smtp-port", 587, "SMTP relay port")
	initCmd.Flags().StringVar(&initTrackingURL, "tracking-url", "", "Public base URL for tracking links")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/mailcampaign", "Data directory")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate DKIM keys")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mailcampaign Configuration Wizard")
	fmt.Println("=================================")
	fmt.Println()

	if initDomain == "" {
		initDomain = prompt(reader, "Sending domain (e.g., example.com)", "")
		if initDomain == "" {
			return fmt.Errorf("domain is required")
		}
	}

	if initFrom == "" {
		initFrom = prompt(reader, "From address", "news@"+initDomain)
	}

	if initMode != config.MailModeSMTP && initMode != config.MailModeOutbox {
		return fmt.Errorf("invalid mode %q (use smtp or outbox)", initMode)
	}

	if initMode == config.MailModeSMTP && initSMTPHost == "" {
		initSMTPHost = prompt(reader, "SMTP relay host", "smtp."+initDomain)
	}

	if initTrackingURL == "" {
		initTrackingURL = prompt(reader, "Public tracking URL", "http://localhost:8080")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	var kp *dkim.KeyPair
	if initDKIM {
		var err error
		kp, err = dkim.GenerateKey(initDomain, "mailcampaign")
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}
		if err := kp.Save(dkimKeyPath()); err != nil {
			return err
		}
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath())
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	if kp != nil {
		if err := printDKIMRecord(kp); err != nil {
			return err
		}
		fmt.Println()
	}

	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Create an operator account:")
	fmt.Printf("   mailcampaign user create -c %s --email admin@%s\n", initOutput, initDomain)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   mailcampaign serve -c %s\n", initOutput)
	fmt.Println()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func dkimKeyPath() string {
	return filepath.Join(initDataDir, "dkim", initDomain+".pem")
}

func generateConfig() string {
	smtpSection := fmt.Sprintf(`  smtp:
    host: "%s"
    port: %d
    username: ""
    password: ""
    tls_policy: opportunistic  # opportunistic, required, implicit, none`, initSMTPHost, initSMTPPort)

	return fmt.Sprintf(`# mailcampaign configuration
# Generated by: mailcampaign init

server:
  listen_addr: ":8080"
  api_key: "%s"
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

database:
  path: "%[2]s/mailcampaign.db"

state:
  path: "%[2]s/state.db"

storage:
  attachments_dir: "%[2]s/anexos"
  max_upload_bytes: 10485760  # 10MB

tracking:
  base_url: "%s"

mail:
  mode: %s
  from: "%s"
%s
  outbox:
    max_age: 168h
    cleanup_interval: 1h

dkim:
  enabled: %t
  domain: "%s"
  selector: "mailcampaign"
  key_file: "%s"

dispatch:
  poll_interval: 1m
  rate_per_second: 10
  # quota:
  #   global:
  #     messages_per_hour: 5000
  #     messages_per_day: 50000
  #   recipient_domain:
  #     messages_per_hour: 500

metrics:
  enabled: false
  listen_addr: ":9090"
  path: "/metrics"
  allowed_ips:
    - "127.0.0.1"

logging:
  level: "info"
  format: "json"
`,
		initAPIKey,
		initDataDir,
		initTrackingURL,
		initMode,
		initFrom,
		smtpSection,
		initDKIM,
		initDomain,
		dkimKeyPath(),
	)
}
