package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zephy0808/mailcampaign/internal/app"
	"github.com/zephy0808/mailcampaign/internal/config"
	"github.com/zephy0808/mailcampaign/internal/state"
	"github.com/zephy0808/mailcampaign/internal/transport"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect messages captured in outbox mode",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages, newest first",
	RunE:  runOutboxList,
}

var outboxShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print the raw message",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxShow,
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete captured messages",
	RunE:  runOutboxClear,
}

var (
	outboxCampaign  string
	outboxTo        string
	outboxLimit     int
	outboxOlderThan time.Duration
)

func init() {
	outboxListCmd.Flags().StringVar(&outboxCampaign, "campaign", "", "Filter by campaign ID")
	outboxListCmd.Flags().StringVar(&outboxTo, "to", "", "Filter by recipient")
	outboxListCmd.Flags().IntVarP(&outboxLimit, "limit", "n", 50, "Maximum messages to show")

	outboxClearCmd.Flags().DurationVar(&outboxOlderThan, "older-than", 0, "Only delete messages older than this (default: all)")

	outboxCmd.AddCommand(outboxListCmd, outboxShowCmd, outboxClearCmd)
	rootCmd.AddCommand(outboxCmd)
}

func withOutbox(fn func(*transport.Outbox) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return openOutbox(cfg, fn)
}

func openOutbox(cfg *config.Config, fn func(*transport.Outbox) error) error {
	stateDB, err := state.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer stateDB.Close()

	outbox, err := transport.NewOutbox(stateDB, app.SetupLogger(cfg.Logging))
	if err != nil {
		return err
	}
	return fn(outbox)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	return withOutbox(func(o *transport.Outbox) error {
		msgs, err := o.List(cmd.Context(), transport.OutboxFilter{
			CampaignID: outboxCampaign,
			To:         outboxTo,
			Limit:      outboxLimit,
		})
		if err != nil {
			return err
		}

		if len(msgs) == 0 {
			fmt.Println("Outbox is empty")
			return nil
		}

		fmt.Printf("%-36s  %-19s  %-30s  %s\n", "ID", "CAPTURED", "TO", "SUBJECT")
		for _, m := range msgs {
			to := ""
			if len(m.To) > 0 {
				to = m.To[0]
			}
			fmt.Printf("%-36s  %-19s  %-30s  %s\n", m.ID, m.CapturedAt.Format("2006-01-02 15:04:05"), to, m.Subject)
		}
		return nil
	})
}

func runOutboxShow(cmd *cobra.Command, args []string) error {
	return withOutbox(func(o *transport.Outbox) error {
		msg, err := o.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("message %s not found", args[0])
		}
		_, err = os.Stdout.Write(msg.Data)
		return err
	})
}

func runOutboxClear(cmd *cobra.Command, args []string) error {
	return withOutbox(func(o *transport.Outbox) error {
		n, err := o.Clear(cmd.Context(), outboxOlderThan)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d messages\n", n)
		return nil
	})
}
