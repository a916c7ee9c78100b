package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cardsync/cardsync/internal/migrate"
	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/ui"
)

var (
	migrateDryRun bool
	migrateBackup bool
	migrateBook   string
)

var migrateLayoutCmd = &cobra.Command{
	Use:     "migrate-layout",
	GroupID: "admin",
	Short:   "Move single-collection contacts into an address book",
	Long: `Move contact files from the single "contacts" collection into the
master directory of an address book (the default book unless --book is
given).

Files already present in the target with identical content are dropped
from the source. Files whose content differs are reported and left in
place. The old collection is removed once it is empty.

Run with --dry-run first to preview.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()
		ctx := cmd.Context()

		var (
			target *schema.AddressBook
			err    error
		)
		if migrateBook != "" {
			target, err = e.DB().BookBySlug(ctx, migrateBook)
		} else {
			target, err = e.DB().DefaultBook(ctx)
		}
		if err != nil {
			fatalf("no target book: %v", err)
		}

		if migrateDryRun {
			fmt.Printf("%s Dry run: no files will be changed\n", ui.RenderWarn("⚠"))
		}
		fmt.Printf("%s Migrating %s into %s...\n", ui.RenderAccent("→"),
			migrate.LegacyDir(e.Files()), ui.RenderAccent(target.Slug))

		result, err := migrate.Layout(ctx, e.Files(), *target, migrate.Options{
			DryRun: migrateDryRun,
			Backup: migrateBackup,
		})
		if err != nil {
			fatalf("migration failed: %v", err)
		}

		rows := []ui.Row{
			{Label: "Target", Value: result.Target},
			{Label: "Moved", Value: strconv.Itoa(result.FilesMoved)},
			{Label: "Duplicates", Value: strconv.Itoa(result.Duplicates)},
			{Label: "Conflicts", Value: strconv.Itoa(len(result.Conflicts))},
		}
		if result.BackupCreated != "" {
			rows = append(rows, ui.Row{Label: "Backup", Value: result.BackupCreated})
		}
		fmt.Print(ui.RenderTable(rows))

		for _, id := range result.Conflicts {
			fmt.Printf("   %s %s differs from the target copy, kept in place\n", ui.RenderWarn("⚠"), id)
		}
		for _, msg := range result.Errors {
			fmt.Printf("   %s %s\n", ui.RenderFail("✗"), msg)
		}

		if result.LegacyRemoved {
			fmt.Printf("%s Removed the old collection\n", ui.RenderPass("✓"))
		}
		if len(result.Errors) > 0 {
			fatalf("migration finished with %d errors", len(result.Errors))
		}
		if !migrateDryRun && result.FilesMoved > 0 {
			fmt.Printf("\nRun 'cardsync sync' to import the moved contacts.\n")
		}
	},
}

func init() {
	migrateLayoutCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "preview without changing files")
	migrateLayoutCmd.Flags().BoolVar(&migrateBackup, "backup", false, "copy the old collection aside first")
	migrateLayoutCmd.Flags().StringVar(&migrateBook, "book", "", "target book slug (default: the default book)")
	rootCmd.AddCommand(migrateLayoutCmd)
}
