package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardsync/cardsync/internal/engine"
	"github.com/cardsync/cardsync/internal/health"
	"github.com/cardsync/cardsync/internal/ui"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show database, book and account state",
	Long: `Display a snapshot of the sync state.

Shows:
  - Contact counts and how many are waiting for an outbound pass
  - Each address book with its master file count and accounts
  - Read-only subscription accounts

Use --format yaml for machine-readable output.`,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()

		st, err := e.Status(cmd.Context())
		if err != nil {
			fatalf("failed to read status: %v", err)
		}

		switch statusFormat {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(st); err != nil {
				fatalf("failed to encode status: %v", err)
			}
			_ = enc.Close()
		case "text":
			printStatus(st)
		default:
			fatalf("unknown format %q (want text or yaml)", statusFormat)
		}
	},
}

func printStatus(st *engine.Status) {
	fmt.Printf("\n%s\n", ui.RenderHeader("cardsync status"))
	fmt.Print(ui.RenderTable([]ui.Row{
		{Label: "State", Value: renderState(st.Health)},
		{Label: "Storage", Value: st.StorageRoot},
		{Label: "Contacts", Value: strconv.Itoa(st.Database.Contacts)},
		{Label: "Syncable", Value: strconv.Itoa(st.Database.Syncable)},
		{Label: "Pending sync", Value: strconv.Itoa(st.Database.PendingSync)},
		{Label: "Users", Value: strconv.Itoa(st.Database.Users)},
	}))

	for _, b := range st.Books {
		title := b.Name
		if b.Slug != "" {
			title += " " + ui.RenderMuted("("+b.Slug+")")
		}
		fmt.Printf("\n%s\n", ui.RenderAccent(title))

		var flags []string
		if b.Default {
			flags = append(flags, "default")
		}
		if b.Public {
			flags = append(flags, "public")
		}
		rows := []ui.Row{{Label: "Files", Value: strconv.Itoa(b.Files)}}
		if len(flags) > 0 {
			rows = append(rows, ui.Row{Label: "Flags", Value: strings.Join(flags, ", ")})
		}
		if len(b.Accounts) > 0 {
			rows = append(rows, ui.Row{Label: "Accounts", Value: strings.Join(b.Accounts, ", ")})
		}
		if b.ReadOnly != "" {
			rows = append(rows, ui.Row{Label: "Read-only", Value: b.ReadOnly})
		}
		fmt.Print(ui.RenderTable(rows))
	}
	fmt.Println()
}

func renderState(s health.Status) string {
	switch s.State {
	case health.StateReady:
		return ui.RenderPass(string(s.State))
	case health.StateError:
		return ui.RenderFail(string(s.State)) + " " + s.Error
	default:
		return ui.RenderWarn(string(s.State))
	}
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "admin",
	Short:   "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			fatalf("failed to encode config: %v", err)
		}
		_ = enc.Close()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text or yaml")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}
