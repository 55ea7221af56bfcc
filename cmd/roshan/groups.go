package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsSwitchCmd)
	groupsCmd.AddCommand(groupsMembersCmd)
	groupsCmd.AddCommand(groupsAddMemberCmd)
	groupsCmd.AddCommand(groupsRemoveMemberCmd)
	rootCmd.AddCommand(groupsCmd)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage chat groups",
}

// ============================================================================
// groups list
// ============================================================================

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		groups := app.Groups()
		if len(groups) == 0 {
			fmt.Println("No groups found.")
			return nil
		}
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

// ============================================================================
// groups create
// ============================================================================

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		group, err := app.CreateGroup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("create group failed: %w", err)
		}
		fmt.Printf("Group created: %s (%s)\n", group.Name, group.ID)
		return nil
	},
}

// ============================================================================
// groups switch
// ============================================================================

var groupsSwitchCmd = &cobra.Command{
	Use:   "switch <group-id>",
	Short: "Make a group the default for send, history and watch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		// Validate before persisting the preference.
		if err := app.SwitchGroup(ctx, args[0]); err != nil {
			return fmt.Errorf("cannot open group %s: %w", args[0], err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Client.DefaultGroup = args[0]
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		g, _ := app.ActiveGroup()
		fmt.Printf("Default group set to %s (%s)\n", g.Name, g.ID)
		return nil
	},
}

// ============================================================================
// groups members
// ============================================================================

var groupsMembersCmd = &cobra.Command{
	Use:   "members <group-id>",
	Short: "List the members of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		if err := app.SwitchGroup(ctx, args[0]); err != nil {
			return fmt.Errorf("cannot open group %s: %w", args[0], err)
		}

		members := app.Members()
		if len(members) == 0 {
			fmt.Println("No members.")
			return nil
		}
		for _, m := range members {
			if u, ok := lookupUser(app.Users(), m.UserID); ok {
				status := "offline"
				if u.Online {
					status = "online"
				}
				fmt.Printf("  %s (%s) - %s\n", u.Name, u.Username, status)
				continue
			}
			fmt.Printf("  %s\n", m.UserID)
		}
		return nil
	},
}

// ============================================================================
// groups add-member / remove-member
// ============================================================================

var groupsAddMemberCmd = &cobra.Command{
	Use:   "add-member <group-id> <user-id>",
	Short: "Add a user to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		if err := app.AddMember(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("add member failed: %w", err)
		}
		fmt.Printf("Added %s to group %s\n", args[1], args[0])
		return nil
	},
}

var groupsRemoveMemberCmd = &cobra.Command{
	Use:   "remove-member <group-id> <user-id>",
	Short: "Remove a user from a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app := resumeApp(ctx)

		if err := app.RemoveMember(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("remove member failed: %w", err)
		}
		fmt.Printf("Removed %s from group %s\n", args[1], args[0])
		return nil
	},
}
