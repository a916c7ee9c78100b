// Package credstore manages the CardDAV server's credential file.
//
// The file holds one "username:bcrypt-hash" line per account. It is the only
// source of truth for which accounts exist: the protocol server reads it
// directly, so every read here goes to disk and nothing is cached.
//
// Writers are serialized twice: by a mutex inside the Store and by an
// advisory lock file (<path>.lock) created with O_EXCL, retried with
// jittered backoff. Every rewrite goes through a temporary file and an
// atomic rename.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cardsync/cardsync/internal/fsutil"
	"github.com/cardsync/cardsync/internal/syncerr"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MaxUsernameLength bounds usernames in bytes.
	MaxUsernameLength = 128

	// DefaultLockTimeout is how long writers wait for the lock file.
	DefaultLockTimeout = 10 * time.Second

	// DefaultStaleLockAge is the age after which a leftover lock file is
	// considered abandoned by a crashed writer.
	DefaultStaleLockAge = 30 * time.Second

	filePerm = 0o640
)

var errLockHeld = errors.New("lock file held by another writer")

// Store reads and writes one credential file.
type Store struct {
	path         string
	lockPath     string
	cost         int
	lockTimeout  time.Duration
	staleLockAge time.Duration
	logger       *log.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithCost sets the bcrypt cost factor.
func WithCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// WithLockTimeout sets how long writers wait for the lock file.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithStaleLockAge sets the age after which a lock file is removed.
func WithStaleLockAge(d time.Duration) Option {
	return func(s *Store) { s.staleLockAge = d }
}

// WithLogger sets the logger. The default writes to stderr.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Store for the credential file at path.
// The file does not need to exist yet.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:         path,
		lockPath:     path + ".lock",
		cost:         bcrypt.DefaultCost,
		lockTimeout:  DefaultLockTimeout,
		staleLockAge: DefaultStaleLockAge,
		logger:       log.New(os.Stderr, "[credstore] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the credential file path.
func (s *Store) Path() string {
	return s.path
}

// ValidateUsername checks that username can be stored as a credential line.
func ValidateUsername(username string) error {
	switch {
	case username == "":
		return syncerr.Validation("username is empty")
	case len(username) > MaxUsernameLength:
		return syncerr.Validation("username exceeds %d bytes", MaxUsernameLength)
	case strings.ContainsAny(username, ":\r\n"):
		return syncerr.Validation("username %q contains ':' or a newline", username)
	case strings.HasPrefix(username, "#"):
		return syncerr.Validation("username %q starts with '#'", username)
	case strings.TrimSpace(username) != username:
		return syncerr.Validation("username %q has surrounding whitespace", username)
	}
	return nil
}

// List returns every entry in file order.
func (s *Store) List() ([]Entry, error) {
	f, err := readPasswdFile(s.path)
	if err != nil {
		return nil, syncerr.NewFileSystemError("read", s.path, err)
	}
	return f.entries(), nil
}

// Exists reports whether username has an entry.
func (s *Store) Exists(username string) (bool, error) {
	f, err := readPasswdFile(s.path)
	if err != nil {
		return false, syncerr.NewFileSystemError("read", s.path, err)
	}
	return f.find(username) >= 0, nil
}

// Hash returns the stored hash for username.
func (s *Store) Hash(username string) (string, error) {
	f, err := readPasswdFile(s.path)
	if err != nil {
		return "", syncerr.NewFileSystemError("read", s.path, err)
	}
	i := f.find(username)
	if i < 0 {
		return "", fmt.Errorf("user %q: %w", username, syncerr.ErrNotFound)
	}
	return f.lines[i].hash, nil
}

// Verify reports whether password matches the stored hash for username.
func (s *Store) Verify(username, password string) (bool, error) {
	hash, err := s.Hash(username)
	if err != nil {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to compare hash: %w", err)
	}
	return true, nil
}

// Create adds a new account.
//
// Returns ErrValidation for a bad username or empty password and
// ErrAlreadyExists when the username is taken.
func (s *Store) Create(ctx context.Context, username, password string) error {
	hash, err := s.HashPassword(username, password)
	if err != nil {
		return err
	}

	return s.mutate(ctx, func(f *passwdFile) error {
		if f.find(username) >= 0 {
			return fmt.Errorf("user %q: %w", username, syncerr.ErrAlreadyExists)
		}
		f.set(username, hash)
		return nil
	})
}

// SetHash stores hash for username verbatim, replacing an existing entry or
// appending a new one. It is used to provision accounts whose hash is copied
// from another account and never re-hashes.
func (s *Store) SetHash(ctx context.Context, username, hash string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if hash == "" || strings.ContainsAny(hash, "\r\n") {
		return syncerr.Validation("hash for %q is empty or contains a newline", username)
	}

	return s.mutate(ctx, func(f *passwdFile) error {
		if i := f.find(username); i >= 0 && f.lines[i].hash == hash {
			return errUnchanged
		}
		f.set(username, hash)
		return nil
	})
}

// Update changes the password of an existing account.
func (s *Store) Update(ctx context.Context, username, password string) error {
	hash, err := s.HashPassword(username, password)
	if err != nil {
		return err
	}

	return s.mutate(ctx, func(f *passwdFile) error {
		if f.find(username) < 0 {
			return fmt.Errorf("user %q: %w", username, syncerr.ErrNotFound)
		}
		f.set(username, hash)
		return nil
	})
}

// Delete removes an account.
func (s *Store) Delete(ctx context.Context, username string) error {
	return s.mutate(ctx, func(f *passwdFile) error {
		if !f.remove(username) {
			return fmt.Errorf("user %q: %w", username, syncerr.ErrNotFound)
		}
		return nil
	})
}

// HashPassword validates username and returns the bcrypt hash of password
// at the store's cost without touching the file.
func (s *Store) HashPassword(username, password string) (string, error) {
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	if password == "" {
		return "", syncerr.Validation("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// errUnchanged lets a mutation skip the rewrite.
var errUnchanged = errors.New("unchanged")

// mutate runs fn against the current file contents under both locks and
// writes the result back atomically.
func (s *Store) mutate(ctx context.Context, fn func(*passwdFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	f, err := readPasswdFile(s.path)
	if err != nil {
		return syncerr.NewFileSystemError("read", s.path, err)
	}

	if err := fn(f); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}

	if err := fsutil.WriteFileAtomic(s.path, f.bytes(), filePerm); err != nil {
		return syncerr.NewFileSystemError("write", s.path, err)
	}
	return nil
}

// acquireLock creates the lock file, retrying with jittered exponential
// backoff until the lock timeout. The returned func removes the lock file.
func (s *Store) acquireLock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return nil, syncerr.NewFileSystemError("mkdir", filepath.Dir(s.lockPath), err)
	}

	b := retry.NewExponential(5 * time.Millisecond)
	b = retry.WithCappedDuration(100*time.Millisecond, b)
	b = retry.WithJitterPercent(30, b)
	b = retry.WithMaxDuration(s.lockTimeout, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		lock, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(lock, "%d\n", os.Getpid())
			return lock.Close()
		}
		if errors.Is(err, fs.ErrExist) {
			s.breakStaleLock()
			return retry.RetryableError(errLockHeld)
		}
		return syncerr.NewFileSystemError("lock", s.lockPath, err)
	})

	switch {
	case err == nil:
	case errors.Is(err, errLockHeld):
		return nil, fmt.Errorf("%s: %w", s.lockPath, syncerr.ErrLockTimeout)
	default:
		return nil, err
	}

	return func() {
		if err := os.Remove(s.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Printf("WARNING: failed to remove lock file %s: %v", s.lockPath, err)
		}
	}, nil
}

// breakStaleLock removes a lock file older than the stale age.
func (s *Store) breakStaleLock() {
	info, err := os.Stat(s.lockPath)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < s.staleLockAge {
		return
	}
	if err := os.Remove(s.lockPath); err == nil {
		s.logger.Printf("Removed stale lock file %s (age %v)", s.lockPath, time.Since(info.ModTime()).Round(time.Second))
	}
}
