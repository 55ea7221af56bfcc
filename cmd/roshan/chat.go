package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendGroupID string

	watchGroupID string
	historyLimit int
)

func init() {
	sendCmd.Flags().StringVarP(&sendGroupID, "group", "g", "", "Group id (defaults to the public group)")
	watchCmd.Flags().StringVarP(&watchGroupID, "group", "g", "", "Group id (defaults to the public group)")
	historyCmd.Flags().StringVarP(&watchGroupID, "group", "g", "", "Group id (defaults to the public group)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to show")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
}

// resolveGroup picks the group to act on: explicit flag, then the
// configured default (set via 'roshan groups switch'), then the public
// group.
func resolveGroup(explicit string, publicID string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if cfg, err := loadConfig(); err == nil && cfg.Client.DefaultGroup != "" {
		return cfg.Client.DefaultGroup, nil
	}
	if publicID == "" {
		return "", fmt.Errorf("no public group found; pass --group explicitly")
	}
	return publicID, nil
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message to a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		groupID, err := resolveGroup(sendGroupID, app.PublicGroupID())
		if err != nil {
			return err
		}
		if err := app.SwitchGroup(ctx, groupID); err != nil {
			return fmt.Errorf("cannot open group %s: %w", groupID, err)
		}

		msg, err := app.SendMessage(ctx, args[0])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent message %s to group %s\n", msg.ID, groupID)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent messages in a group",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		groupID, err := resolveGroup(watchGroupID, app.PublicGroupID())
		if err != nil {
			return err
		}
		if err := app.SwitchGroup(ctx, groupID); err != nil {
			return fmt.Errorf("cannot open group %s: %w", groupID, err)
		}

		messages := app.Messages()
		if historyLimit > 0 && len(messages) > historyLimit {
			messages = messages[len(messages)-historyLimit:]
		}
		if len(messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range messages {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live messages from a group",
	Long:  "Open a group and print messages as they arrive over the change feed. Interrupt with Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		app := resumeApp(ctx)

		groupID, err := resolveGroup(watchGroupID, app.PublicGroupID())
		if err != nil {
			return err
		}
		if err := app.SwitchGroup(ctx, groupID); err != nil {
			return fmt.Errorf("cannot open group %s: %w", groupID, err)
		}

		// Re-render new messages whenever the mirror changes. OnChange fires
		// on every mutation so remember how far the terminal has printed.
		printed := 0
		for _, m := range app.Messages() {
			printMessage(m)
			printed++
		}
		redraw := make(chan struct{}, 1)
		app.OnChange(func() {
			select {
			case redraw <- struct{}{}:
			default:
			}
		})

		fmt.Println("--- watching (Ctrl-C to stop) ---")
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-redraw:
				messages := app.Messages()
				for ; printed < len(messages); printed++ {
					printMessage(messages[printed])
				}
			}
		}
	},
}
