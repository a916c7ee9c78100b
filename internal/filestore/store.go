// Package filestore reads and writes contact files in the CardDAV
// collection tree.
//
// Layout under the storage root:
//
//	collection-root/{bookID}/{vcardID}.vcf          master copy
//	collection-root/{base}-{bookID}/{vcardID}.vcf   fan-out copy
//	collection-root/{dir}/.Radicale.props           collection marker
//
// The master copy is the source for fan-out and for orphan detection. Every
// file is written through a temporary file and a rename.
package filestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cardsync/cardsync/internal/accounts"
	"github.com/cardsync/cardsync/internal/fsutil"
	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/syncerr"
)

const (
	// RootMarker is the directory all collections live under.
	RootMarker = "collection-root"

	// MarkerFile is the per-collection metadata file read by the server.
	MarkerFile = ".Radicale.props"

	// Extension is the contact file suffix.
	Extension = ".vcf"

	filePerm = 0o644
)

// collectionMeta is the JSON body of MarkerFile.
type collectionMeta struct {
	Tag         string `json:"tag"`
	DisplayName string `json:"D:displayname"`
	Description string `json:"CR:addressbook-description,omitempty"`
}

// Failure records one path that could not be written or removed.
type Failure struct {
	Path string
	Err  error
}

// WriteResult lists the copies written by Write.
type WriteResult struct {
	Written  []string
	Failures []Failure
}

// Store is the contact file tree rooted at {storageRoot}/collection-root.
type Store struct {
	root   string
	logger *log.Logger
}

// New creates a Store. If logger is nil, a default logger writing to stderr
// is used. Directories are created lazily.
func New(storageRoot string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[filestore] ", log.LstdFlags)
	}
	return &Store{
		root:   filepath.Join(storageRoot, RootMarker),
		logger: logger,
	}
}

// Root returns the collection-root directory.
func (s *Store) Root() string {
	return s.root
}

// MasterDir returns the master directory of a book.
func (s *Store) MasterDir(bookID string) string {
	return filepath.Join(s.root, bookID)
}

// AccountDir returns the directory of a physical account.
func (s *Store) AccountDir(account string) string {
	return filepath.Join(s.root, account)
}

// ContactPath returns the path of a contact file inside dir.
func ContactPath(dir, vcardID string) string {
	return filepath.Join(dir, vcardID+Extension)
}

// VCardIDFromPath returns the vcard id encoded in a contact file name.
func VCardIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), Extension)
}

// IsContactFile reports whether path names a visible .vcf file.
func IsContactFile(path string) bool {
	return filepath.Ext(path) == Extension && !fsutil.IsHidden(path)
}

// EnsureCollection creates dir and its marker file. An existing marker is
// never overwritten and concurrent creation is harmless.
func (s *Store) EnsureCollection(dir string, book schema.AddressBook) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return syncerr.NewFileSystemError("mkdir", dir, err)
	}

	marker := filepath.Join(dir, MarkerFile)
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return syncerr.NewFileSystemError("create", marker, err)
	}
	defer f.Close()

	meta := collectionMeta{
		Tag:         "VADDRESSBOOK",
		DisplayName: book.DisplayName(),
		Description: book.Description,
	}
	if err := json.NewEncoder(f).Encode(meta); err != nil {
		return syncerr.NewFileSystemError("write", marker, err)
	}
	return nil
}

// EnsureAccount creates an account directory and its marker.
func (s *Store) EnsureAccount(account string, book schema.AddressBook) error {
	return s.EnsureCollection(s.AccountDir(account), book)
}

// Write stores body as the master copy of vcardID in book, then copies it
// into every fan-out account directory. A master failure is returned; a
// fan-out failure is logged and collected without stopping the others.
func (s *Store) Write(book schema.AddressBook, vcardID string, body []byte, fanout []string) (*WriteResult, error) {
	if err := validateID(vcardID); err != nil {
		return nil, err
	}

	result := &WriteResult{}

	master := s.MasterDir(book.ID)
	if err := s.EnsureCollection(master, book); err != nil {
		return result, err
	}
	path := ContactPath(master, vcardID)
	if err := fsutil.WriteFileAtomic(path, body, filePerm); err != nil {
		return result, syncerr.NewFileSystemError("write", path, err)
	}
	result.Written = append(result.Written, path)

	for _, account := range fanout {
		dir := s.AccountDir(account)
		path := ContactPath(dir, vcardID)
		err := s.EnsureCollection(dir, book)
		if err == nil {
			err = fsutil.WriteFileAtomic(path, body, filePerm)
		}
		if err != nil {
			s.logger.Printf("WARNING: failed to write fan-out copy %s: %v", path, err)
			result.Failures = append(result.Failures, Failure{Path: path, Err: err})
			continue
		}
		result.Written = append(result.Written, path)
	}

	return result, nil
}

// Delete removes the master copy and every fan-out copy of vcardID.
// Missing files are not errors; other failures are joined.
func (s *Store) Delete(book schema.AddressBook, vcardID string, fanout []string) error {
	if err := validateID(vcardID); err != nil {
		return err
	}

	paths := []string{ContactPath(s.MasterDir(book.ID), vcardID)}
	for _, account := range fanout {
		paths = append(paths, ContactPath(s.AccountDir(account), vcardID))
	}

	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Printf("WARNING: failed to remove %s: %v", path, err)
			errs = append(errs, syncerr.NewFileSystemError("remove", path, err))
		}
	}
	return errors.Join(errs...)
}

// ScanDirs returns the directories an inbound pass enumerates: every book's
// master directory plus the given account directories. Read-only
// subscription accounts are skipped because they only mirror a master copy,
// and composite accounts are only kept when their book is known.
func (s *Store) ScanDirs(books []schema.AddressBook, accountNames []string) []string {
	known := make(map[string]bool, len(books))
	readOnly := make(map[string]bool)
	for _, b := range books {
		known[b.ID] = true
		if b.ReadOnlyUsername != "" {
			readOnly[b.ReadOnlyUsername] = true
		}
	}

	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	for _, b := range books {
		add(s.MasterDir(b.ID))
	}
	for _, name := range accountNames {
		if readOnly[name] {
			continue
		}
		if _, bookID, ok := accounts.ParseName(name); ok && !known[bookID] {
			continue
		}
		add(s.AccountDir(name))
	}
	return dirs
}

// ListAll returns every contact file under the scan directories, sorted.
// Directories that do not exist yet are skipped.
func (s *Store) ListAll(books []schema.AddressBook, accountNames []string) ([]string, error) {
	var files []string
	for _, dir := range s.ScanDirs(books, accountNames) {
		found, err := listContactFiles(dir)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	sort.Strings(files)
	return files, nil
}

// ListMaster returns the vcard ids present in a book's master directory.
func (s *Store) ListMaster(bookID string) ([]string, error) {
	files, err := listContactFiles(s.MasterDir(bookID))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, VCardIDFromPath(f))
	}
	return ids, nil
}

// MasterExists reports whether a book's master directory exists.
func (s *Store) MasterExists(bookID string) bool {
	ok, err := fsutil.Exists(s.MasterDir(bookID))
	return err == nil && ok
}

// CopyMaster copies every master file of bookID into the account directory,
// skipping files whose content is already identical. Nothing is deleted.
func (s *Store) CopyMaster(bookID, account string) (int, error) {
	files, err := listContactFiles(s.MasterDir(bookID))
	if err != nil {
		return 0, err
	}

	copied := 0
	dir := s.AccountDir(account)
	for _, src := range files {
		data, err := os.ReadFile(src)
		if err != nil {
			return copied, syncerr.NewFileSystemError("read", src, err)
		}
		dst := filepath.Join(dir, filepath.Base(src))
		if existing, err := os.ReadFile(dst); err == nil && bytes.Equal(existing, data) {
			continue
		}
		if err := fsutil.WriteFileAtomic(dst, data, filePerm); err != nil {
			return copied, syncerr.NewFileSystemError("write", dst, err)
		}
		copied++
	}
	return copied, nil
}

// PruneAccount removes contact files from the account directory whose vcard
// id is not in bookID's master directory, and returns how many it removed.
// A retired account keeps its files; pruning before it is seeded again keeps
// contacts deleted in the meantime from coming back.
func (s *Store) PruneAccount(bookID, account string) (int, error) {
	master, err := s.ListMaster(bookID)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(master))
	for _, id := range master {
		keep[id] = true
	}

	files, err := listContactFiles(s.AccountDir(account))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range files {
		if keep[VCardIDFromPath(path)] {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, syncerr.NewFileSystemError("remove", path, err)
		}
		removed++
	}
	return removed, nil
}

// ReadContact returns the content and modification time of a contact file.
func (s *Store) ReadContact(path string) ([]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, syncerr.NewFileSystemError("stat", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, syncerr.NewFileSystemError("read", path, err)
	}
	return data, info.ModTime(), nil
}

// ResolveBookFromPath returns the book a contact file belongs to, or nil.
//
// The directory segment after collection-root is matched against book ids
// and slugs after stripping a composite account prefix. The legacy
// "contacts" directory resolves to the default book.
func (s *Store) ResolveBookFromPath(path string, books []schema.AddressBook) *schema.AddressBook {
	segment := collectionSegment(path)
	if segment == "" {
		return nil
	}
	if _, bookID, ok := accounts.ParseName(segment); ok {
		segment = bookID
	}

	for i := range books {
		if books[i].ID == segment || books[i].Slug == segment {
			return &books[i]
		}
	}

	if segment == schema.LegacyCollectionName {
		return defaultBook(books)
	}
	return nil
}

// collectionSegment returns the path element following RootMarker.
func collectionSegment(path string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] == RootMarker && i+1 < len(parts)-1 {
			return parts[i+1]
		}
	}
	return ""
}

func defaultBook(books []schema.AddressBook) *schema.AddressBook {
	if len(books) == 0 {
		b := schema.LegacyBook()
		return &b
	}
	for i := range books {
		if books[i].IsDefault {
			return &books[i]
		}
	}
	return &books[0]
}

func listContactFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.NewFileSystemError("readdir", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if IsContactFile(path) {
			files = append(files, path)
		}
	}
	return files, nil
}

func validateID(vcardID string) error {
	if vcardID == "" || vcardID != filepath.Base(vcardID) || strings.HasPrefix(vcardID, ".") {
		return syncerr.Validation("vcard id %q is not a valid file name", vcardID)
	}
	return nil
}

// Describe returns a one-line summary of a write result for logging.
func (r *WriteResult) Describe() string {
	return fmt.Sprintf("%d written, %d failed", len(r.Written), len(r.Failures))
}
