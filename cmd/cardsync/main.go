// Command cardsync keeps a contacts database and a CardDAV server's contact
// files in sync.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardsync/cardsync/internal/config"
	"github.com/cardsync/cardsync/internal/engine"
	"github.com/cardsync/cardsync/internal/logging"
	"github.com/cardsync/cardsync/internal/ui"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cardsync",
	Short: "Contacts database and CardDAV file store sync",
	Long: `cardsync keeps a contacts database and the contact files of a CardDAV
server consistent in both directions.

Database edits are written to each address book's master directory and
copied to every account that can see the book. Edits made by CardDAV
clients are read back into the database. Accounts are provisioned in the
server's credential file from the book assignments in the database.

Configuration is read from cardsync.yaml (current directory or
~/.config/cardsync), a .env file, CARDSYNC_* environment variables and
flags, in increasing order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "admin", Title: "Administration Commands:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./cardsync.yaml)")
	pf.String("storage-root", "", "collection root of the CardDAV server")
	pf.String("credentials-file", "", "credential file of the CardDAV server")
	pf.String("db-driver", "", "database driver: sqlite or postgres")
	pf.String("db-dsn", "", "database path or connection string")
	pf.String("log-file", "", "also write logs to this file, rotated by size")
	pf.Bool("quiet", false, "with --log-file, do not log to stderr")
	pf.String("health-addr", "", "serve /health and /events on this address")
}

// openEngineWith builds the engine from the loaded configuration. The
// engine owns out from then on.
func openEngineWith(out *logging.Output) (*engine.Engine, error) {
	e, err := engine.New(cfg, out)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	return e, nil
}

// openEngine builds the engine and brings the schema up to date.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	e, err := openEngineWith(logging.NewOutput(cfg.Log))
	if err != nil {
		return nil, err
	}
	if err := e.Migrate(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// mustEngine opens a migrated engine or exits.
func mustEngine(cmd *cobra.Command) *engine.Engine {
	e, err := openEngine(cmd.Context())
	if err != nil {
		fatalf("%v", err)
	}
	return e
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
