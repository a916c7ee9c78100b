package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardsync/cardsync/internal/loadtest"
	"github.com/cardsync/cardsync/internal/ui"
)

var (
	benchOpts   = loadtest.DefaultOptions()
	benchPasses int
	benchDir    string
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Measure sync pass latency on generated data",
	Long: `Generate a contact set in a scratch sqlite database and file tree and
time repeated sync passes against it.

Each round edits --edit of the contacts (half in the database, half in
their master files) and runs an inbound and an outbound pass. The files
are checked for consistency at the end.

The configured database and storage root are never touched.`,
	// Runs without a configuration file.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		dir := benchDir
		if dir == "" {
			tmp, err := os.MkdirTemp("", "cardsync-bench-")
			if err != nil {
				fatalf("failed to create scratch directory: %v", err)
			}
			defer os.RemoveAll(tmp)
			dir = tmp
		}

		fmt.Printf("%s Generating %d contacts in %d books...\n", ui.RenderAccent("⚙"), benchOpts.Contacts, benchOpts.Books)
		start := time.Now()
		fixture, err := loadtest.CreateFixture(ctx, dir, benchOpts)
		if err != nil {
			fatalf("%v", err)
		}
		defer fixture.Close()
		fmt.Printf("   Generated in %v\n\n", time.Since(start).Round(time.Millisecond))

		report, err := fixture.RunPasses(ctx, benchPasses)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Print(ui.RenderTable([]ui.Row{
			{Label: "Initial export", Value: report.Initial.Round(time.Millisecond).String()},
			{Label: "Rounds", Value: strconv.Itoa(benchPasses)},
			{Label: "Edits", Value: strconv.Itoa(report.Edits)},
			{Label: "Accounts", Value: strconv.Itoa(len(fixture.Accounts))},
		}))
		fmt.Println()
		report.Inbound.Print(os.Stdout, "Inbound")
		fmt.Println()
		report.Outbound.Print(os.Stdout, "Outbound")
		fmt.Println()

		if err := fixture.VerifyConsistency(ctx); err != nil {
			fatalf("files are inconsistent: %v", err)
		}
		if report.Inbound.Failures+report.Outbound.Failures > 0 {
			fmt.Printf("%s %d failures during passes\n", ui.RenderWarn("⚠"), report.Inbound.Failures+report.Outbound.Failures)
			os.Exit(1)
		}
		fmt.Printf("%s Files consistent\n", ui.RenderPass("✓"))
	},
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchOpts.Contacts, "contacts", benchOpts.Contacts, "number of contacts")
	f.IntVar(&benchOpts.Books, "books", benchOpts.Books, "number of address books")
	f.IntVar(&benchOpts.UsersPerBook, "users", benchOpts.UsersPerBook, "composite accounts per book")
	f.Float64Var(&benchOpts.SharedPct, "shared", benchOpts.SharedPct, "share of contacts in two books")
	f.Float64Var(&benchOpts.EditPct, "edit", benchOpts.EditPct, "share of contacts edited per round")
	f.IntVar(&benchPasses, "passes", 10, "number of edit rounds")
	f.StringVar(&benchDir, "dir", "", "keep the generated data in this directory")
	rootCmd.AddCommand(benchCmd)
}
