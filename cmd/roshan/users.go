package main

import (
	"context"
	"fmt"
	"time"

	roshan "github.com/roshanchat/roshan"
	"github.com/spf13/cobra"
)

var (
	usersAddName   string
	usersAddAvatar string
	usersAddAdmin  bool

	usersBulkPrefix   string
	usersBulkPassword string
)

func init() {
	usersAddCmd.Flags().StringVar(&usersAddName, "name", "", "Display name (defaults to the username)")
	usersAddCmd.Flags().StringVar(&usersAddAvatar, "avatar", "", "Avatar glyph")
	usersAddCmd.Flags().BoolVar(&usersAddAdmin, "admin", false, "Grant the admin role")

	usersBulkAddCmd.Flags().StringVar(&usersBulkPrefix, "prefix", "user", "Username prefix")
	usersBulkAddCmd.Flags().StringVar(&usersBulkPassword, "password", "", "Shared password (required)")
	_ = usersBulkAddCmd.MarkFlagRequired("password")

	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersBulkAddCmd)
	usersCmd.AddCommand(usersDeleteCmd)
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage chat accounts",
}

// lookupUser finds a user snapshot by id in a mirror listing.
func lookupUser(users []roshan.User, id string) (roshan.User, bool) {
	for _, u := range users {
		if u.ID == id {
			return u, true
		}
	}
	return roshan.User{}, false
}

// ============================================================================
// users list
// ============================================================================

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		users := app.Users()
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			status := "offline"
			if u.Online {
				status = "online"
			}
			fmt.Printf("  %s: %s (%s) - %s, %s\n", u.ID, u.Name, u.Username, u.Role, status)
		}
		return nil
	},
}

// ============================================================================
// users add
// ============================================================================

var usersAddCmd = &cobra.Command{
	Use:   "add <username> <password>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		name := usersAddName
		if name == "" {
			name = args[0]
		}
		role := roshan.RoleUser
		if usersAddAdmin {
			role = roshan.RoleAdmin
		}

		user, err := app.AddUser(ctx, args[0], args[1], name, usersAddAvatar, role)
		if err != nil {
			return fmt.Errorf("add user failed: %w", err)
		}
		fmt.Printf("User created: %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

// ============================================================================
// users bulk-add
// ============================================================================

var usersBulkAddCmd = &cobra.Command{
	Use:   "bulk-add <count>",
	Short: "Create many accounts at once",
	Long:  "Create <count> accounts named <prefix>1..<prefix>N sharing one password. Individual failures are reported but do not abort the batch.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := parsePositive(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		app := resumeApp(ctx)

		created, failed := app.BulkAddUsers(ctx, count, usersBulkPrefix, usersBulkPassword)
		fmt.Printf("Created %d users, %d failed\n", created, failed)
		return nil
	},
}

// ============================================================================
// users delete
// ============================================================================

var usersDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete an account with its memberships and messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		if err := app.DeleteUser(ctx, args[0]); err != nil {
			return fmt.Errorf("delete user failed: %w", err)
		}
		fmt.Printf("Deleted user %s\n", args[0])
		return nil
	},
}
