package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cardsync/cardsync/internal/accounts"
	"github.com/cardsync/cardsync/internal/config"
	"github.com/cardsync/cardsync/internal/filestore"
	"github.com/cardsync/cardsync/internal/health"
	"github.com/cardsync/cardsync/internal/logging"
	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/syncerr"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Sync:  config.SyncConfig{Interval: time.Hour},
		Watch: config.WatchConfig{Enabled: false, Debounce: 50 * time.Millisecond},
		Storage: config.StorageConfig{
			Root: filepath.Join(dir, "collections", filestore.RootMarker),
		},
		Credentials: config.CredentialsConfig{
			File:        filepath.Join(dir, "users"),
			LockTimeout: time.Second,
			BcryptCost:  bcrypt.MinCost,
		},
		Database: config.DatabaseConfig{
			Driver: config.DriverSQLite,
			DSN:    filepath.Join(dir, "cardsync.db"),
		},
	}
}

func quietOutput(t *testing.T) *logging.Output {
	t.Helper()
	return &logging.Output{Writer: io.Discard}
}

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(t), quietOutput(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Migrate(context.Background()))
	return e
}

func createBook(t *testing.T, e *Engine, slug string, public bool) schema.AddressBook {
	t.Helper()
	b := schema.AddressBook{Slug: slug, Name: slug, Public: public}
	require.NoError(t, e.CreateBook(context.Background(), &b))
	return b
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"
	_, err := New(cfg, quietOutput(t))
	assert.Error(t, err)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestMigrateMarksReady(t *testing.T) {
	e, err := New(testConfig(t), quietOutput(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.Equal(t, health.StateStarting, e.Health().Status().State)
	require.NoError(t, e.Migrate(context.Background()))
	assert.True(t, e.Health().Ready())
}

func TestCreateUserProvisionsPublicBooks(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)
	family := createBook(t, e, "family", true)
	work := createBook(t, e, "work", false)

	require.NoError(t, e.CreateUser(ctx, "alice", "secret"))

	ids, err := e.accounts.BooksForUser("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{family.ID}, ids)

	composite := accounts.DeriveName("alice", family.ID)
	ok, err := e.creds.Verify(composite, "secret")
	require.NoError(t, err)
	assert.True(t, ok, "composite account should share the base password")

	require.NoError(t, e.AssignBook(ctx, "alice", "work"))
	ids, err = e.accounts.BooksForUser("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{family.ID, work.ID}, ids)

	require.NoError(t, e.UnassignBook(ctx, "alice", "work"))
	ids, err = e.accounts.BooksForUser("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{family.ID}, ids)
}

func TestCreateUserRejectsCompositeName(t *testing.T) {
	e := setupEngine(t)
	family := createBook(t, e, "family", true)

	err := e.CreateUser(context.Background(), accounts.DeriveName("bob", family.ID), "pw")
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestUpdatePasswordPropagates(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)
	family := createBook(t, e, "family", true)
	require.NoError(t, e.CreateUser(ctx, "alice", "old"))

	require.NoError(t, e.UpdatePassword(ctx, "alice", "new"))

	for _, name := range []string{"alice", accounts.DeriveName("alice", family.ID)} {
		ok, err := e.creds.Verify(name, "new")
		require.NoError(t, err)
		assert.True(t, ok, "%s should accept the new password", name)
	}
}

func TestDeleteUserRetiresComposites(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)
	family := createBook(t, e, "family", true)
	require.NoError(t, e.CreateUser(ctx, "alice", "pw"))

	require.NoError(t, e.DeleteUser(ctx, "alice"))

	names, err := e.accounts.AccountNames()
	require.NoError(t, err)
	assert.Empty(t, names)

	// The account directory keeps its files.
	_, err = os.Stat(e.Files().AccountDir(accounts.DeriveName("alice", family.ID)))
	assert.NoError(t, err)

	assert.ErrorIs(t, e.DeleteUser(ctx, "alice"), syncerr.ErrNotFound)
}

func TestProvisionAccountsReconcilesDrift(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)
	require.NoError(t, e.CreateUser(ctx, "alice", "pw"))

	// A public book created after the user exists.
	family := createBook(t, e, "family", true)
	require.NoError(t, e.SetReadOnly(ctx, "family", "family-ro", "viewer"))

	require.NoError(t, e.ProvisionAccounts(ctx))

	names, err := e.accounts.AccountNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", accounts.DeriveName("alice", family.ID), "family-ro"}, names)

	users, err := e.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []UserInfo{{Username: "alice", Books: []string{"family"}}}, users)

	_, err = os.Stat(filepath.Join(e.Files().MasterDir(family.ID), filestore.MarkerFile))
	assert.NoError(t, err, "master directory should be provisioned")
}

func TestWatchDirs(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)

	dirs, err := e.WatchDirs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{e.Files().MasterDir(schema.LegacyCollectionName)}, dirs)

	family := createBook(t, e, "family", true)
	require.NoError(t, e.CreateUser(ctx, "alice", "pw"))

	dirs, err = e.WatchDirs(ctx)
	require.NoError(t, err)
	assert.Contains(t, dirs, e.Files().MasterDir(family.ID))
	assert.Contains(t, dirs, e.Files().AccountDir(accounts.DeriveName("alice", family.ID)))
}

func TestSyncOnceAndStatus(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)
	family := createBook(t, e, "family", true)
	require.NoError(t, e.CreateUser(ctx, "alice", "pw"))

	c := &schema.Contact{VCardID: "c1", FirstName: "Ada", LastName: "Lovelace"}
	require.NoError(t, e.DB().CreateContact(ctx, c))
	require.NoError(t, e.DB().SetMembership(ctx, c.ID, []string{family.ID}))

	results, err := e.SyncOnce(ctx, DirectionBoth)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[1].Written)

	composite := accounts.DeriveName("alice", family.ID)
	_, err = os.Stat(filestore.ContactPath(e.Files().AccountDir(composite), "c1"))
	assert.NoError(t, err, "contact should be fanned out")

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Health.State == health.StateReady)
	assert.Equal(t, 1, st.Database.Contacts)
	assert.Equal(t, 0, st.Database.PendingSync)
	require.Len(t, st.Books, 1)
	assert.Equal(t, "family", st.Books[0].Slug)
	assert.Equal(t, 1, st.Books[0].Files)
	assert.Equal(t, []string{composite}, st.Books[0].Accounts)
}

func TestReassignDoesNotRestoreDeletedContact(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)
	family := createBook(t, e, "family", false)
	require.NoError(t, e.CreateUser(ctx, "alice", "pw"))
	require.NoError(t, e.AssignBook(ctx, "alice", "family"))

	c := &schema.Contact{VCardID: "c1", DisplayName: "Deleted Later"}
	require.NoError(t, e.DB().CreateContact(ctx, c))
	require.NoError(t, e.DB().SetMembership(ctx, c.ID, []string{family.ID}))
	_, err := e.SyncOnce(ctx, DirectionOutbound)
	require.NoError(t, err)

	composite := accounts.DeriveName("alice", family.ID)
	stale := filestore.ContactPath(e.Files().AccountDir(composite), "c1")
	require.FileExists(t, stale)

	// Access is withdrawn, the contact is deleted, access comes back.
	require.NoError(t, e.UnassignBook(ctx, "alice", "family"))
	require.NoError(t, e.DB().DeleteContact(ctx, c.ID))
	results, err := e.SyncOnce(ctx, DirectionOutbound)
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].Deleted)
	require.FileExists(t, stale, "a retired account keeps its files")

	require.NoError(t, e.AssignBook(ctx, "alice", "family"))
	assert.NoFileExists(t, stale)

	results, err = e.SyncOnce(ctx, DirectionInbound)
	require.NoError(t, err)
	assert.Equal(t, 0, results[0].Created, "deleted contact came back from the old account directory")
	_, err = e.DB().ContactByVCardID(ctx, "c1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestSyncOnceInboundOnly(t *testing.T) {
	e := setupEngine(t)

	results, err := e.SyncOnce(context.Background(), DirectionInbound)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "inbound", results[0].Direction.String())
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, quietOutput(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, e.Health().Ready, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
