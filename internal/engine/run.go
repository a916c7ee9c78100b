package engine

import (
	"context"
	"errors"

	"github.com/cardsync/cardsync/internal/daemon"
	"github.com/cardsync/cardsync/internal/db"
	"github.com/cardsync/cardsync/internal/health"
	contactsync "github.com/cardsync/cardsync/internal/sync"
)

// BookStatus describes one address book and its accounts.
type BookStatus struct {
	ID       string   `yaml:"id"`
	Slug     string   `yaml:"slug"`
	Name     string   `yaml:"name"`
	Public   bool     `yaml:"public"`
	Default  bool     `yaml:"default"`
	Files    int      `yaml:"files"`
	Accounts []string `yaml:"accounts"`
	ReadOnly string   `yaml:"read_only,omitempty"`
}

// Status is a point-in-time report for the status command.
type Status struct {
	Health      health.Status `yaml:"health"`
	StorageRoot string        `yaml:"storage_root"`
	Database    *db.Stats     `yaml:"database"`
	Books       []BookStatus  `yaml:"books"`
}

// Status collects readiness, database counts and per-book account state.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	stats, err := e.db.Stats(ctx)
	if err != nil {
		return nil, err
	}
	books, err := e.Books(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Health:      e.tracker.Status(),
		StorageRoot: e.files.Root(),
		Database:    stats,
	}
	for _, b := range books {
		bs := BookStatus{
			ID:       b.ID,
			Slug:     b.Slug,
			Name:     b.DisplayName(),
			Public:   b.Public,
			Default:  b.IsDefault,
			Accounts: []string{},
			ReadOnly: b.ReadOnlyUsername,
		}
		if ids, err := e.files.ListMaster(b.ID); err == nil {
			bs.Files = len(ids)
		}
		if !b.IsLegacy() {
			names, err := e.accounts.AccountsForBook(b.ID)
			if err != nil {
				return nil, err
			}
			bs.Accounts = append(bs.Accounts, names...)
		}
		st.Books = append(st.Books, bs)
	}
	return st, nil
}

// Run migrates the database and runs the daemon until ctx is cancelled.
//
// With a status server configured, a migration failure leaves the process
// up and reporting the error on /health until ctx is cancelled. Without
// one the error is returned.
func (e *Engine) Run(ctx context.Context) error {
	var server *health.Server
	if addr := e.cfg.Health.Addr; addr != "" {
		server = health.NewServer(addr, e.tracker, e.out.Logger("health"))
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				e.logger.Printf("Warning: failed to stop status server: %v", err)
			}
		}()
		e.syncer.OnPass(func(r *contactsync.Result) {
			if err := server.Publish(health.MessageTypePass, r.Summary()); err != nil {
				e.logger.Printf("Warning: failed to publish pass summary: %v", err)
			}
		})
	}

	if err := e.Migrate(ctx); err != nil {
		e.logger.Printf("ERROR: %v", err)
		if server == nil {
			return err
		}
		<-ctx.Done()
		return nil
	}

	d, err := daemon.New(daemon.Deps{
		Syncer:      e.syncer,
		Dirs:        e,
		Provisioner: e,
		Health:      e.tracker,
	}, &daemon.Config{
		Interval: e.cfg.Sync.Interval,
		Debounce: e.cfg.Watch.Debounce,
		Watch:    e.cfg.Watch.Enabled,
		Logger:   e.out.Logger("daemon"),
	})
	if err != nil {
		return err
	}

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
