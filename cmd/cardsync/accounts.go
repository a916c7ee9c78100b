package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardsync/cardsync/internal/ui"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	GroupID: "admin",
	Short:   "Inspect and repair composite accounts",
}

var accountsReconcileCmd = &cobra.Command{
	Use:   "reconcile [username]",
	Short: "Bring composite accounts in line with book assignments",
	Long: `Create missing composite accounts and retire stale ones.

Without a username every base user is reconciled, master directories are
created and read-only subscription accounts are refreshed. The daemon does
the same on every tick.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine(cmd)
		defer e.Close()

		if len(args) == 0 {
			if err := e.ProvisionAccounts(cmd.Context()); err != nil {
				fatalf("reconcile finished with errors:\n%v", err)
			}
			fmt.Printf("%s Accounts reconciled\n", ui.RenderPass("✓"))
			return
		}

		result, err := e.ReconcileAccess(cmd.Context(), args[0])
		if err != nil {
			fatalf("failed to reconcile %s: %v", args[0], err)
		}
		for _, name := range result.Created {
			fmt.Printf("   %s %s\n", ui.RenderPass("+"), name)
		}
		for _, name := range result.Retired {
			fmt.Printf("   %s %s\n", ui.RenderWarn("-"), name)
		}
		if err := result.Err(); err != nil {
			fatalf("reconcile finished with errors:\n%v", err)
		}
		if len(result.Created)+len(result.Retired) == 0 {
			fmt.Printf("%s %s is up to date\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]))
		}
	},
}

func init() {
	accountsCmd.AddCommand(accountsReconcileCmd)
	rootCmd.AddCommand(accountsCmd)
}
