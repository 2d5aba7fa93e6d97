package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zephy0808/mailcampaign/internal/api"
	"github.com/zephy0808/mailcampaign/internal/app"
	"github.com/zephy0808/mailcampaign/internal/config"
	"github.com/zephy0808/mailcampaign/internal/db"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailcampaign",
	Short: "mailcampaign - email campaign manager",
	Long:  `mailcampaign manages clients and groups, sends tracked email campaigns and reports on opens, clicks and responses.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the dispatch trigger",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch pass and exit",
	Long: `Start due scheduled campaigns and continue campaigns that are still sending,
then exit. Intended for cron deployments that do not run "serve".`,
	RunE: runDispatch,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailcampaign version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, dispatchCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	api.Version = version

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	fmt.Printf("Database migrated: %s\n", cfg.Database.Path)
	return nil
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	outcomes, err := application.Engine().RunOnce(cmd.Context(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	if len(outcomes) == 0 {
		fmt.Println("No campaigns to dispatch")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %8s  %8s  %9s  %s\n", "CAMPAIGN", "STATUS", "SENT", "FAILED", "REMAINING", "ERROR")
	for _, o := range outcomes {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		fmt.Printf("%-36s  %-10s  %8d  %8d  %9d  %s\n",
			o.CampaignID, o.Status, o.Counts.Sent, o.Counts.Failed, o.Counts.Remaining, errText)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Printf("  API: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  State: %s\n", cfg.State.Path)
	fmt.Printf("  Mail mode: %s\n", cfg.Mail.Mode)
	if cfg.Mail.Mode == config.MailModeSMTP {
		fmt.Printf("  Relay: %s:%d (%s)\n", cfg.Mail.SMTP.Host, cfg.Mail.SMTP.Port, cfg.Mail.SMTP.TLSPolicy)
	}
	fmt.Printf("  Tracking: %s\n", cfg.Tracking.BaseURL)
	fmt.Printf("  Poll interval: %s\n", cfg.Dispatch.PollInterval)
	if cfg.DKIM.Enabled {
		fmt.Printf("  DKIM: %s._domainkey.%s\n", cfg.DKIM.Selector, cfg.DKIM.Domain)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
