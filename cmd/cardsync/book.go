package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/ui"
)

var (
	bookName        string
	bookDescription string
	bookPublic      bool
	bookDefault     bool
	bookDisable     bool
)

var bookCmd = &cobra.Command{
	Use:     "book",
	GroupID: "admin",
	Short:   "Manage address books",
}

var bookAddCmd = &cobra.Command{
	Use:   "add <slug>",
	Short: "Create an address book",
	Long: `Create an address book and its master directory.

The first book becomes the default book. Public books are visible to every
user; private books only to users assigned with "book assign".`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()

		b := schema.AddressBook{
			Slug:        args[0],
			Name:        bookName,
			Description: bookDescription,
			Public:      bookPublic,
			IsDefault:   bookDefault,
		}
		if b.Name == "" {
			b.Name = b.Slug
		}
		if err := e.CreateBook(cmd.Context(), &b); err != nil {
			fatalf("failed to create book %s: %v", args[0], err)
		}
		if err := e.ProvisionAccounts(cmd.Context()); err != nil {
			fmt.Printf("%s %v\n", ui.RenderWarn("Warning:"), err)
		}
		fmt.Printf("%s Created book %s (%s)\n", ui.RenderPass("✓"), ui.RenderAccent(b.Slug), b.ID)
	},
}

var bookLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List address books",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()

		books, err := e.DB().ListBooks(cmd.Context())
		if err != nil {
			fatalf("failed to list books: %v", err)
		}
		if len(books) == 0 {
			fmt.Printf("%s No address books: contacts use the single %q collection\n",
				ui.RenderWarn("⚠"), schema.LegacyCollectionName)
			return
		}
		for _, b := range books {
			fmt.Printf("%s %s\n", ui.RenderAccent(b.Slug), ui.RenderMuted(b.ID))
			fmt.Print(ui.RenderTable([]ui.Row{
				{Label: "Name", Value: b.DisplayName()},
				{Label: "Public", Value: strconv.FormatBool(b.Public)},
				{Label: "Default", Value: strconv.FormatBool(b.IsDefault)},
			}))
		}
	},
}

var bookAssignCmd = &cobra.Command{
	Use:   "assign <username> <slug>",
	Short: "Give a user access to a private book",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()

		if err := e.AssignBook(cmd.Context(), args[0], args[1]); err != nil {
			fatalf("failed to assign %s to %s: %v", args[1], args[0], err)
		}
		fmt.Printf("%s Assigned %s to %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[1]), ui.RenderAccent(args[0]))
	},
}

var bookUnassignCmd = &cobra.Command{
	Use:   "unassign <username> <slug>",
	Short: "Revoke a user's access to a private book",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()

		if err := e.UnassignBook(cmd.Context(), args[0], args[1]); err != nil {
			fatalf("failed to unassign %s from %s: %v", args[1], args[0], err)
		}
		fmt.Printf("%s Unassigned %s from %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[1]), ui.RenderAccent(args[0]))
	},
}

var bookReadOnlyCmd = &cobra.Command{
	Use:   "readonly <slug> [username]",
	Short: "Configure a book's read-only subscription account",
	Long: `Configure a book's read-only subscription account.

The account receives a mirror of the book's master directory on every
outbound pass. Edits made through it are overwritten. Use --disable to
remove the subscription; the credential entry and directory are kept.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		var username, password string
		if !bookDisable {
			if len(args) != 2 {
				fatalf("a username is required unless --disable is set")
			}
			username = args[1]
			var err error
			if password, err = readPassword("Password for " + username); err != nil {
				fatalf("%v", err)
			}
		}

		e := mustEngine(cmd)
		defer e.Close()

		if err := e.SetReadOnly(cmd.Context(), args[0], username, password); err != nil {
			fatalf("failed to configure %s: %v", args[0], err)
		}
		if bookDisable {
			fmt.Printf("%s Disabled read-only subscription of %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]))
			return
		}
		fmt.Printf("%s %s subscribes read-only to %s\n", ui.RenderPass("✓"), ui.RenderAccent(username), ui.RenderAccent(args[0]))
	},
}

func init() {
	bookAddCmd.Flags().StringVar(&bookName, "name", "", "display name (defaults to the slug)")
	bookAddCmd.Flags().StringVar(&bookDescription, "description", "", "description")
	bookAddCmd.Flags().BoolVar(&bookPublic, "public", false, "visible to every user")
	bookAddCmd.Flags().BoolVar(&bookDefault, "default", false, "make this the default book")
	bookReadOnlyCmd.Flags().BoolVar(&bookDisable, "disable", false, "remove the read-only subscription")

	bookCmd.AddCommand(bookAddCmd)
	bookCmd.AddCommand(bookLsCmd)
	bookCmd.AddCommand(bookAssignCmd)
	bookCmd.AddCommand(bookUnassignCmd)
	bookCmd.AddCommand(bookReadOnlyCmd)
	rootCmd.AddCommand(bookCmd)
}
