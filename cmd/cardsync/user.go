package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cardsync/cardsync/internal/ui"
)

var userCmd = &cobra.Command{
	Use:     "user",
	GroupID: "admin",
	Short:   "Manage CardDAV users",
	Long: `Manage base users in the credential file.

Each base user gets one composite account per address book it can see,
named <user>-<book id> and sharing the user's password. Creating, changing
or removing a user updates those accounts too.

Passwords are prompted for on a terminal and read from the first line of
stdin otherwise.`,
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		password, err := readPassword("Password for " + args[0])
		if err != nil {
			fatalf("%v", err)
		}

		e := mustEngine(cmd)
		defer e.Close()

		if err := e.CreateUser(cmd.Context(), args[0], password); err != nil {
			fatalf("failed to create user %s: %v", args[0], err)
		}
		fmt.Printf("%s Created user %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]))
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username>",
	Short: "Change a user's password",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		password, err := readPassword("New password for " + args[0])
		if err != nil {
			fatalf("%v", err)
		}

		e := mustEngine(cmd)
		defer e.Close()

		if err := e.UpdatePassword(cmd.Context(), args[0], password); err != nil {
			fatalf("failed to update password of %s: %v", args[0], err)
		}
		fmt.Printf("%s Updated password of %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]))
	},
}

var userRmCmd = &cobra.Command{
	Use:   "rm <username>",
	Short: "Remove a user and its composite accounts",
	Long: `Remove a user and its composite accounts.

Account directories are left on disk.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()

		if err := e.DeleteUser(cmd.Context(), args[0]); err != nil {
			fatalf("failed to remove user %s: %v", args[0], err)
		}
		fmt.Printf("%s Removed user %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]))
	},
}

var userLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List users and the books they can see",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()

		users, err := e.ListUsers(cmd.Context())
		if err != nil {
			fatalf("failed to list users: %v", err)
		}
		if len(users) == 0 {
			fmt.Printf("%s No users\n", ui.RenderWarn("⚠"))
			return
		}

		rows := make([]ui.Row, 0, len(users))
		for _, u := range users {
			books := ui.RenderMuted("none")
			if len(u.Books) > 0 {
				books = strings.Join(u.Books, ", ")
			}
			rows = append(rows, ui.Row{Label: u.Username, Value: books})
		}
		fmt.Print(ui.RenderTable(rows))
	},
}

func init() {
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userPasswdCmd)
	userCmd.AddCommand(userRmCmd)
	userCmd.AddCommand(userLsCmd)
	rootCmd.AddCommand(userCmd)
}
