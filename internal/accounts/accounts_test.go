package accounts

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/cardsync/cardsync/internal/credstore"
	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	bookA = "6d9a3c52-3b0f-4f0e-9a51-0d3c1f6f2a10"
	bookB = "0b7e2f1c-8c44-4a2e-b7a5-2f0e6d1c9b33"
)

// fakeDirs records directory operations instead of touching disk.
type fakeDirs struct {
	ensured  map[string]int
	seeded   map[string]string
	pruned   map[string]string
	ensureFn func(account string) error
}

func newFakeDirs() *fakeDirs {
	return &fakeDirs{ensured: map[string]int{}, seeded: map[string]string{}, pruned: map[string]string{}}
}

func (f *fakeDirs) PruneAccount(bookID, account string) (int, error) {
	f.pruned[account] = bookID
	return 0, nil
}

func (f *fakeDirs) EnsureAccount(account string, book schema.AddressBook) error {
	if f.ensureFn != nil {
		if err := f.ensureFn(account); err != nil {
			return err
		}
	}
	f.ensured[account]++
	return nil
}

func (f *fakeDirs) CopyMaster(bookID, account string) (int, error) {
	f.seeded[account] = bookID
	return 3, nil
}

type staticBooks []schema.AddressBook

func (b staticBooks) ListBooks(ctx context.Context) ([]schema.AddressBook, error) {
	return b, nil
}

func setup(t *testing.T) (*Manager, *credstore.Store, *fakeDirs) {
	t.Helper()
	creds := credstore.New(filepath.Join(t.TempDir(), "users"), credstore.WithCost(bcrypt.MinCost))
	require.NoError(t, creds.Create(context.Background(), "alice", "pw"))
	dirs := newFakeDirs()
	books := staticBooks{{ID: bookA, Slug: "family", Name: "Family"}, {ID: bookB, Slug: "work", Name: "Work"}}
	return NewManager(creds, dirs, books, log.New(io.Discard, "", 0)), creds, dirs
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantBase string
		wantBook string
		wantOK   bool
	}{
		{"composite", "alice-" + bookA, "alice", bookA, true},
		{"hyphenated base", "mary-jane-" + bookA, "mary-jane", bookA, true},
		{"plain user", "alice", "", "", false},
		{"hyphenated user", "mary-jane", "", "", false},
		{"bare uuid", bookA, "", "", false},
		{"uppercase uuid", "alice-6D9A3C52-3B0F-4F0E-9A51-0D3C1F6F2A10", "", "", false},
		{"missing delimiter", "alice" + bookA, "", "", false},
		{"empty base", "-" + bookA, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, book, ok := ParseName(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantBase, base)
			assert.Equal(t, tt.wantBook, book)
		})
	}
}

func TestDeriveParseInverse(t *testing.T) {
	for _, base := range []string{"alice", "bob.smith", "mary-jane", "x"} {
		b, id, ok := ParseName(DeriveName(base, bookB))
		require.True(t, ok, base)
		assert.Equal(t, base, b)
		assert.Equal(t, bookB, id)
	}
}

func TestEnsureCopiesBaseHash(t *testing.T) {
	m, creds, dirs := setup(t)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", bookA))

	name := DeriveName("alice", bookA)
	ok, err := creds.Verify(name, "pw")
	require.NoError(t, err)
	assert.True(t, ok, "composite account must accept the base password")
	assert.Equal(t, 1, dirs.ensured[name])
	assert.Equal(t, bookA, dirs.seeded[name])
	assert.Equal(t, bookA, dirs.pruned[name], "a new account is pruned before seeding")

	// Second call only re-checks the directory.
	delete(dirs.seeded, name)
	require.NoError(t, m.Ensure(ctx, "alice", bookA))
	assert.Equal(t, 2, dirs.ensured[name])
	assert.NotContains(t, dirs.seeded, name)
}

func TestEnsureErrors(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Ensure(ctx, "nobody", bookA), syncerr.ErrNotFound)
	assert.ErrorIs(t, m.Ensure(ctx, "alice", "not-a-book"), syncerr.ErrValidation)
}

func TestReconcileAddsOnlyNewBooks(t *testing.T) {
	m, creds, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Ensure(ctx, "alice", bookA))
	hashA, err := creds.Hash(DeriveName("alice", bookA))
	require.NoError(t, err)

	result := m.Reconcile(ctx, "alice", []string{bookA, bookB}, []string{bookA})
	require.NoError(t, result.Err())
	assert.Equal(t, []string{DeriveName("alice", bookB)}, result.Created)
	assert.Empty(t, result.Retired)

	after, err := creds.Hash(DeriveName("alice", bookA))
	require.NoError(t, err)
	assert.Equal(t, hashA, after, "existing composite account must be untouched")

	ids, err := m.BooksForUser("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{bookA, bookB}, ids)
}

func TestReconcileRetiresAll(t *testing.T) {
	m, creds, dirs := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Ensure(ctx, "alice", bookA))
	require.NoError(t, m.Ensure(ctx, "alice", bookB))

	result := m.Reconcile(ctx, "alice", nil, []string{bookA, bookB})
	require.NoError(t, result.Err())
	assert.ElementsMatch(t, []string{DeriveName("alice", bookA), DeriveName("alice", bookB)}, result.Retired)

	entries, err := creds.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Username)

	// Directories are left for the sync passes.
	assert.Equal(t, 1, dirs.ensured[DeriveName("alice", bookA)])
}

func TestReconcileFailOpen(t *testing.T) {
	m, _, dirs := setup(t)
	dirs.ensureFn = func(account string) error {
		if account == DeriveName("alice", bookA) {
			return errors.New("disk full")
		}
		return nil
	}

	result := m.Reconcile(context.Background(), "alice", []string{bookA, bookB}, nil)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, DeriveName("alice", bookA), result.Failures[0].Account)
	assert.Equal(t, []string{DeriveName("alice", bookB)}, result.Created)
	assert.Error(t, result.Err())
}

func TestAccountsForBook(t *testing.T) {
	m, creds, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, creds.Create(ctx, "bob", "pw"))
	require.NoError(t, m.Ensure(ctx, "alice", bookA))
	require.NoError(t, m.Ensure(ctx, "bob", bookA))
	require.NoError(t, m.Ensure(ctx, "bob", bookB))

	names, err := m.AccountsForBook(bookA)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{DeriveName("alice", bookA), DeriveName("bob", bookA)}, names)
}

func TestProvisionReadOnly(t *testing.T) {
	m, creds, dirs := setup(t)
	book := schema.AddressBook{ID: bookA, Slug: "family", ReadOnlyUsername: "family-ro", ReadOnlyPasswordHash: "$2a$04$readonlyreadonlyreadonlyreadonlyreadonlyreadonlyrea"}

	require.NoError(t, m.ProvisionReadOnly(context.Background(), book))

	hash, err := creds.Hash("family-ro")
	require.NoError(t, err)
	assert.Equal(t, book.ReadOnlyPasswordHash, hash)
	assert.Equal(t, 1, dirs.ensured["family-ro"])

	require.NoError(t, m.ProvisionReadOnly(context.Background(), schema.AddressBook{ID: bookB}))
}
