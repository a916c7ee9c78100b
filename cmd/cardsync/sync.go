package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardsync/cardsync/internal/engine"
	contactsync "github.com/cardsync/cardsync/internal/sync"
	"github.com/cardsync/cardsync/internal/ui"
)

var syncDirection string

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass and exit",
	Long: `Provision accounts and run the sync passes once.

Directions:
  both       inbound then outbound (default)
  inbound    read contact files into the database
  outbound   write changed contacts to their files

An outbound-only run in a fresh process has no record of an earlier
inbound pass, so its orphan sweep treats every master file as already
imported. Run "both" when files may have been added since the last
inbound pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir := engine.Direction(syncDirection)
		switch dir {
		case engine.DirectionBoth, engine.DirectionInbound, engine.DirectionOutbound:
		default:
			fatalf("unknown direction %q (want both, inbound or outbound)", syncDirection)
		}

		e := mustEngine(cmd)
		defer e.Close()

		fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("⟳"), cfg.Storage.Root)
		start := time.Now()

		results, err := e.SyncOnce(cmd.Context(), dir)
		for _, r := range results {
			printResult(r)
		}
		if err != nil {
			fatalf("sync failed: %v", err)
		}

		failed := 0
		for _, r := range results {
			failed += len(r.Failures)
		}
		if failed > 0 {
			fmt.Printf("\n%s Sync finished with %d failures in %v\n",
				ui.RenderWarn("⚠"), failed, time.Since(start).Round(time.Millisecond))
			os.Exit(1)
		}
		fmt.Printf("\n%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

func printResult(r *contactsync.Result) {
	fmt.Printf("\n%s\n", ui.RenderHeader(r.Direction.String()))

	s := r.Summary()
	rows := []ui.Row{}
	add := func(label string, n int) {
		if n > 0 {
			rows = append(rows, ui.Row{Label: label, Value: strconv.Itoa(n)})
		}
	}
	add("Created", s.Created)
	add("Updated", s.Updated)
	add("Written", s.Written)
	add("Skipped", s.Skipped)
	add("Conflicts", s.Conflicts)
	add("Revoked", s.Revoked)
	add("Deleted", s.Deleted)
	add("Mirrored", s.Mirrored)
	if len(rows) == 0 {
		rows = append(rows, ui.Row{Label: "Changes", Value: ui.RenderMuted("none")})
	}
	fmt.Print(ui.RenderTable(rows))

	for _, f := range s.Failures {
		fmt.Printf("   %s %s\n", ui.RenderFail("✗"), f)
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncDirection, "direction", string(engine.DirectionBoth), "both, inbound or outbound")
	rootCmd.AddCommand(syncCmd)
}
