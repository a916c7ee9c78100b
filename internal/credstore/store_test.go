package credstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cardsync/cardsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users")
	opts = append([]Option{WithCost(bcrypt.MinCost)}, opts...)
	return New(path, opts...)
}

func TestCreateAndVerify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "alice", "secret"))

	ok, err := s.Exists("alice")
	require.NoError(t, err)
	assert.True(t, ok)

	match, err := s.Verify("alice", "secret")
	require.NoError(t, err)
	assert.True(t, match)

	match, err = s.Verify("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, match)

	err = s.Create(ctx, "alice", "again")
	assert.ErrorIs(t, err, syncerr.ErrAlreadyExists)
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"empty username", "", "pw"},
		{"separator", "bob:admin", "pw"},
		{"newline", "bob\nmallory:hash", "pw"},
		{"carriage return", "bob\r", "pw"},
		{"comment prefix", "#bob", "pw"},
		{"whitespace", " bob", "pw"},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), "pw"},
		{"empty password", "bob", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Create(context.Background(), tt.username, tt.password)
			assert.ErrorIs(t, err, syncerr.ErrValidation)
		})
	}

	entries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected creates must not touch the file")
}

func TestUpdateAndDeleteNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Update(ctx, "ghost", "pw"), syncerr.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "ghost"), syncerr.ErrNotFound)

	require.NoError(t, s.Create(ctx, "carol", "old"))
	require.NoError(t, s.Update(ctx, "carol", "new"))

	match, err := s.Verify("carol", "new")
	require.NoError(t, err)
	assert.True(t, match)

	require.NoError(t, s.Delete(ctx, "carol"))
	ok, err := s.Exists("carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetHashUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "dave", "pw"))
	hash, err := s.Hash("dave")
	require.NoError(t, err)

	composite := "dave-6d9a3c52-3b0f-4f0e-9a51-0d3c1f6f2a10"
	require.NoError(t, s.SetHash(ctx, composite, hash))
	require.NoError(t, s.SetHash(ctx, composite, hash))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Username: composite, Hash: hash}, entries[1])

	match, err := s.Verify(composite, "pw")
	require.NoError(t, err)
	assert.True(t, match, "copied hash must accept the base user's password")

	require.NoError(t, s.SetHash(ctx, composite, "$2a$04$replacedreplacedreplacedreplacedreplacedreplacedrep"))
	got, err := s.Hash(composite)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "$2a$04$replaced"))

	assert.ErrorIs(t, s.SetHash(ctx, "eve", ""), syncerr.ErrValidation)
	assert.ErrorIs(t, s.SetHash(ctx, "eve", "x\ny"), syncerr.ErrValidation)
}

func TestCommentsPreserved(t *testing.T) {
	s := newTestStore(t)
	content := "# managed by cardsync\n\nfrank:$2a$04$abc\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0o600))

	require.NoError(t, s.Create(context.Background(), "grace", "pw"))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "# managed by cardsync", lines[0])
	assert.Equal(t, "", lines[1])
	assert.Equal(t, "frank:$2a$04$abc", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "grace:$2a$"))

	entries, err := s.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReadsAreNotCached(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.Exists("henry")
	require.NoError(t, err)
	assert.False(t, ok)

	// Another process writes the file behind our back.
	require.NoError(t, os.WriteFile(s.Path(), []byte("henry:$2a$04$xyz\n"), 0o600))

	ok, err = s.Exists("henry")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentCreates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Create(ctx, fmt.Sprintf("user%02d", i), "pw")
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, n)

	seen := make(map[string]bool)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Hash, "$2a$"), "corrupt hash for %s: %q", e.Username, e.Hash)
		seen[e.Username] = true
	}
	assert.Len(t, seen, n, "lost or duplicated entries")

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, n, strings.Count(string(data), "\n"))

	_, err = os.Stat(s.Path() + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file must be released")
}

func TestLockTimeout(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(50*time.Millisecond))
	require.NoError(t, os.WriteFile(s.Path()+".lock", []byte("999\n"), 0o600))

	err := s.Create(context.Background(), "ivan", "pw")
	assert.ErrorIs(t, err, syncerr.ErrLockTimeout)
	assert.True(t, syncerr.IsRetryable(err))

	ok, err := s.Exists("ivan")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleLockIsBroken(t *testing.T) {
	s := newTestStore(t, WithStaleLockAge(time.Second))
	lock := s.Path() + ".lock"
	require.NoError(t, os.WriteFile(lock, []byte("999\n"), 0o600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lock, old, old))

	require.NoError(t, s.Create(context.Background(), "judy", "pw"))
}

func TestLockReleasedOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Delete(ctx, "nobody"), syncerr.ErrNotFound)

	_, err := os.Stat(s.Path() + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file must be released after a failed mutation")
	require.NoError(t, s.Create(ctx, "kate", "pw"))
}
