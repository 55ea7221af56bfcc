package main

import (
	"context"
	"fmt"
	"time"

	roshan "github.com/roshanchat/roshan"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Log in to the gateway",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := getApp()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := app.Login(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", sess.User.Username, sess.User.Role)
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the local session",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := getApp()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := app.Resume(ctx); err != nil {
			fmt.Println("No active session.")
			return nil
		}
		app.Logout(ctx)
		fmt.Println("Logged out.")
		return nil
	},
}

// ============================================================================
// status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and mirror status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		user, _ := app.CurrentUser()
		fmt.Printf("Logged in as: %s (%s)\n", user.Username, user.Role)
		fmt.Printf("Users known:  %d (%d online)\n", len(app.Users()), len(app.OnlineUsers()))

		groups := app.Groups()
		fmt.Printf("Groups:       %d\n", len(groups))
		for _, g := range groups {
			marker := ""
			if g.Public {
				marker = " [public]"
			}
			fmt.Printf("  %s: %s (%d members, %d online)%s\n",
				g.ID, g.Name, g.TotalCount, g.OnlineCount, marker)
		}
		return nil
	},
}

// printMessage renders one message line for terminal output.
func printMessage(m roshan.Message) {
	author := m.UserID
	if m.Author != nil {
		author = m.Author.Name
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), author, m.Content)
}
