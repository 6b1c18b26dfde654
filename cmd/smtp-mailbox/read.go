package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-mailbox-lite/internal/email"
	"github.com/shineum/smtp-mailbox-lite/internal/mailbox"
)

var readRaw bool

var readCmd = &cobra.Command{
	Use:   "read [recipient]",
	Short: "Show saved mailboxes",
	Long: `Without arguments, list every recipient in the saved mailbox state with
its message count. With a recipient, print that recipient's messages
decoded, oldest first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRead,
}

func init() {
	readCmd.Flags().BoolVar(&readRaw, "raw", false, "print messages in their stored, encoded form")
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Keep stdout for the listing.
	setupLogger(os.Stderr, cfg.Logging.Level)

	backend, closeBackend, err := openBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	store, err := mailbox.Load(cmd.Context(), backend)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listRecipients(out, store)
	}
	return printMailbox(out, store, args[0], readRaw)
}

func listRecipients(w io.Writer, store *mailbox.Store) error {
	for _, r := range store.Recipients() {
		msgs, _ := store.Lookup(r)
		if _, err := fmt.Fprintf(w, "%s\t%d\n", r, len(msgs)); err != nil {
			return err
		}
	}
	return nil
}

func printMailbox(w io.Writer, store *mailbox.Store, recipient string, raw bool) error {
	msgs, ok := store.Lookup(recipient)
	if !ok {
		return fmt.Errorf("no mailbox for %q", recipient)
	}

	for i, stored := range msgs {
		if raw {
			if _, err := fmt.Fprintln(w, stored); err != nil {
				return err
			}
			continue
		}

		env, err := email.Decode(stored)
		if err != nil {
			return fmt.Errorf("message %d for %q: %w", i+1, recipient, err)
		}
		if _, err := fmt.Fprintf(w, "From: %s\n%s\n\n", env.Sender, env.Body); err != nil {
			return err
		}
	}
	return nil
}
