package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	contactsync "github.com/cardsync/cardsync/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often account provisioning and the outbound pass run.
	Interval time.Duration

	// Debounce is the quiet window after the last file event before an
	// inbound pass runs.
	Debounce time.Duration

	// Watch enables the filesystem watcher. Without it inbound passes only
	// run at startup.
	Watch bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Debounce: DefaultDebounce,
		Watch:    true,
		Logger:   log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Provisioner creates and retires the physical accounts derived from the
// current book assignments.
type Provisioner interface {
	ProvisionAccounts(ctx context.Context) error
}

// WatchSet reports the directories that hold contact files right now.
type WatchSet interface {
	WatchDirs(ctx context.Context) ([]string, error)
}

// Reporter records a startup failure for the readiness endpoint.
type Reporter interface {
	MarkFatal(err error)
}

// Deps are the collaborators a Daemon drives. Syncer is required, Dirs is
// required when watching, the others are optional.
type Deps struct {
	Syncer      contactsync.Syncer
	Dirs        WatchSet
	Provisioner Provisioner
	Health      Reporter
}

// Daemon runs the sync engine: an initial inbound and outbound pass, a timer
// loop for outbound work and a debounced watcher loop for inbound work.
type Daemon struct {
	deps    Deps
	config  *Config
	watcher *FileWatcher
}

// New creates a Daemon. A nil config uses DefaultConfig.
func New(deps Deps, config *Config) (*Daemon, error) {
	if deps.Syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Watch && deps.Dirs == nil {
		return nil, fmt.Errorf("watch set cannot be nil when watching")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", config.Interval)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{deps: deps, config: config}, nil
}

// Run performs the startup passes and then serves timer ticks and file
// events until ctx is cancelled.
//
// Failures of individual passes are logged and retried on the next tick or
// event. A failed startup pass is reported to the readiness tracker but does
// not stop the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.Startup(ctx); err != nil {
		d.config.Logger.Printf("ERROR: %v", err)
		if d.deps.Health != nil {
			d.deps.Health.MarkFatal(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if d.config.Watch {
		watcher, err := NewFileWatcher()
		if err != nil {
			return err
		}
		dirs, err := d.deps.Dirs.WatchDirs(ctx)
		if err != nil {
			d.config.Logger.Printf("Warning: failed to list watch directories: %v", err)
		}
		if err := watcher.Start(dirs); err != nil {
			d.config.Logger.Printf("Warning: %v", err)
		}
		d.watcher = watcher
		d.config.Logger.Printf("Watching %d directories", len(watcher.Dirs()))

		debouncer := NewDebouncer(d.config.Debounce, func(paths []string) {
			d.flush(gctx, paths)
		})
		g.Go(func() error {
			return d.watchLoop(gctx, watcher, debouncer)
		})
	}

	g.Go(func() error {
		return d.tickLoop(gctx)
	})

	err := g.Wait()
	d.config.Logger.Println("Daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Startup provisions accounts, then imports the file tree before exporting
// the database, so edits made while the daemon was down are not overwritten.
func (d *Daemon) Startup(ctx context.Context) error {
	d.provision(ctx)

	if _, err := d.deps.Syncer.Inbound(ctx); err != nil {
		return fmt.Errorf("initial inbound sync failed: %w", err)
	}
	if _, err := d.deps.Syncer.Outbound(ctx); err != nil {
		return fmt.Errorf("initial outbound sync failed: %w", err)
	}
	return nil
}

// Tick runs one timer iteration: account provisioning, an outbound pass and
// a refresh of the watched directory set.
func (d *Daemon) Tick(ctx context.Context) {
	d.provision(ctx)

	if _, err := d.deps.Syncer.Outbound(ctx); err != nil {
		d.config.Logger.Printf("Error in outbound sync: %v", err)
	}

	if d.watcher == nil {
		return
	}
	dirs, err := d.deps.Dirs.WatchDirs(ctx)
	if err != nil {
		d.config.Logger.Printf("Error listing watch directories: %v", err)
		return
	}
	if err := d.watcher.Sync(dirs); err != nil {
		d.config.Logger.Printf("Error refreshing watches: %v", err)
	}
}

func (d *Daemon) provision(ctx context.Context) {
	if d.deps.Provisioner == nil {
		return
	}
	if err := d.deps.Provisioner.ProvisionAccounts(ctx); err != nil {
		d.config.Logger.Printf("Error provisioning accounts: %v", err)
	}
}

// tickLoop runs Tick every Interval.
func (d *Daemon) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// watchLoop feeds file events to the debouncer. A deleted file is removed
// from the database right away, before the batched inbound pass runs.
func (d *Daemon) watchLoop(ctx context.Context, watcher *FileWatcher, debouncer *Debouncer) error {
	defer func() {
		if err := watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
		debouncer.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			if event.Op == OpDelete {
				if err := d.deps.Syncer.RemoveFile(ctx, event.Path); err != nil {
					d.config.Logger.Printf("Error removing %s: %v", event.Path, err)
				}
			}
			debouncer.Add(event.Path)

		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// flush runs one inbound pass for a batch of changed files.
func (d *Daemon) flush(ctx context.Context, paths []string) {
	if ctx.Err() != nil {
		return
	}
	d.config.Logger.Printf("Processing %d changed files", len(paths))
	if _, err := d.deps.Syncer.Inbound(ctx); err != nil {
		d.config.Logger.Printf("Error in inbound sync: %v", err)
	}
}
