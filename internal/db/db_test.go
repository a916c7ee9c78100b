package db

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/syncerr"
)

// setupTestDB opens a migrated sqlite database in a temp dir.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	database.SetLogger(log.New(io.Discard, "", 0))
	t.Cleanup(func() { _ = database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return database
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatal("Open() should reject an unknown driver")
	}
	if _, err := Open(DriverSQLite, ""); err == nil {
		t.Fatal("Open() should reject an empty dsn")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind() = %q", got)
	}
	lite := &DB{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind() on sqlite = %q", got)
	}
}

func TestContactLifecycle(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	bday := time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC)
	c := &schema.Contact{
		VCardID:     "c1",
		DisplayName: "Ada Lovelace",
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Emails:      []schema.TypedValue{{Value: "ada@example.com", Type: "WORK"}},
		Phones:      []schema.TypedValue{{Value: "555-1234", Type: "CELL,PREF"}},
		Addresses:   []schema.Address{{Type: "HOME", Street: "1 Main St", Locality: "London"}},
		Birthday:    &bday,
		Photo:       []byte{0x89, 'P', 'N', 'G'},
		PhotoMime:   "image/png",
	}
	if err := database.CreateContact(ctx, c); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}
	if c.ID == 0 {
		t.Fatal("CreateContact() did not set the id")
	}

	got, err := database.ContactByVCardID(ctx, "c1")
	if err != nil {
		t.Fatalf("ContactByVCardID() failed: %v", err)
	}
	if got.DisplayName != "Ada Lovelace" || len(got.Phones) != 1 || got.Phones[0].Type != "CELL,PREF" {
		t.Errorf("ContactByVCardID() = %+v", got)
	}
	if got.Birthday == nil || !got.Birthday.Equal(bday) {
		t.Errorf("Birthday = %v, want %v", got.Birthday, bday)
	}
	if string(got.Photo) != string(c.Photo) {
		t.Errorf("Photo = %v", got.Photo)
	}
	if got.Sync.Origin != schema.OriginDatabase {
		t.Errorf("Origin = %q, want database", got.Sync.Origin)
	}

	// Never synced, so it needs sync.
	pending, err := database.ContactsNeedingSync(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ContactsNeedingSync() = %d, %v; want 1", len(pending), err)
	}

	synced := got.UpdatedAt.Add(time.Second)
	if err := database.UpdateSyncMetadata(ctx, c.ID, schema.SyncMetadata{
		LastSyncedToFileAt: &synced,
		ContentHash:        "abc",
		Origin:             schema.OriginDatabase,
	}); err != nil {
		t.Fatalf("UpdateSyncMetadata() failed: %v", err)
	}
	pending, err = database.ContactsNeedingSync(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("ContactsNeedingSync() after sync = %d, %v; want 0", len(pending), err)
	}

	got, _ = database.ContactByVCardID(ctx, "c1")
	got.Notes = "edited"
	got.UpdatedAt = synced.Add(time.Second)
	if err := database.UpdateContact(ctx, got); err != nil {
		t.Fatalf("UpdateContact() failed: %v", err)
	}
	pending, _ = database.ContactsNeedingSync(ctx)
	if len(pending) != 1 || pending[0].Notes != "edited" {
		t.Fatalf("ContactsNeedingSync() after edit = %+v", pending)
	}

	if err := database.DeleteContact(ctx, c.ID); err != nil {
		t.Fatalf("DeleteContact() failed: %v", err)
	}
	if _, err := database.ContactByVCardID(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ContactByVCardID() after delete err = %v, want ErrNotFound", err)
	}
	if err := database.DeleteContact(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteContact() err = %v, want ErrNotFound", err)
	}
}

func TestCreateContactDuplicate(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	if err := database.CreateContact(ctx, &schema.Contact{VCardID: "dup"}); err != nil {
		t.Fatal(err)
	}
	err := database.CreateContact(ctx, &schema.Contact{VCardID: "dup"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("CreateContact() err = %v, want ErrDuplicate", err)
	}

	// Contacts without a vcard id never collide and never sync.
	for i := 0; i < 2; i++ {
		if err := database.CreateContact(ctx, &schema.Contact{DisplayName: "local"}); err != nil {
			t.Fatalf("CreateContact() without vcard id failed: %v", err)
		}
	}
	pending, _ := database.ContactsNeedingSync(ctx)
	if len(pending) != 1 {
		t.Errorf("ContactsNeedingSync() = %d, want only the syncable contact", len(pending))
	}
}

func TestBooksAndMembership(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	if b, err := database.DefaultBook(ctx); err != nil || b != nil {
		t.Fatalf("DefaultBook() on empty db = %v, %v", b, err)
	}

	family := &schema.AddressBook{Slug: "family", Name: "Family"}
	work := &schema.AddressBook{Slug: "work", Name: "Work", Public: true}
	for _, b := range []*schema.AddressBook{family, work} {
		if err := database.CreateBook(ctx, b); err != nil {
			t.Fatalf("CreateBook(%s) failed: %v", b.Slug, err)
		}
	}
	if err := database.CreateBook(ctx, &schema.AddressBook{Slug: "work"}); !errors.Is(err, syncerr.ErrAlreadyExists) {
		t.Errorf("CreateBook() duplicate slug err = %v", err)
	}
	if err := database.CreateBook(ctx, &schema.AddressBook{Slug: "contacts"}); !errors.Is(err, syncerr.ErrValidation) {
		t.Errorf("CreateBook() reserved slug err = %v", err)
	}

	def, err := database.DefaultBook(ctx)
	if err != nil || def == nil || def.ID != family.ID {
		t.Fatalf("DefaultBook() = %v, %v; want first book", def, err)
	}

	c := &schema.Contact{VCardID: "m1"}
	if err := database.CreateContact(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := database.SetMembership(ctx, c.ID, []string{family.ID, work.ID, work.ID}); err != nil {
		t.Fatalf("SetMembership() failed: %v", err)
	}
	if err := database.AddMembership(ctx, c.ID, work.ID); err != nil {
		t.Fatalf("AddMembership() of existing membership failed: %v", err)
	}
	ids, err := database.Membership(ctx, c.ID)
	if err != nil || len(ids) != 2 {
		t.Fatalf("Membership() = %v, %v", ids, err)
	}

	if err := database.RemoveMembership(ctx, c.ID, family.ID); err != nil {
		t.Fatal(err)
	}
	all, err := database.AllMemberships(ctx)
	if err != nil || len(all[c.ID]) != 1 || all[c.ID][0] != work.ID {
		t.Fatalf("AllMemberships() = %v, %v", all, err)
	}

	// Cascade on contact delete.
	if err := database.DeleteContact(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	all, _ = database.AllMemberships(ctx)
	if len(all) != 0 {
		t.Errorf("memberships survived contact delete: %v", all)
	}
}

func TestUserBookAccess(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	private := &schema.AddressBook{Slug: "private"}
	public := &schema.AddressBook{Slug: "public", Public: true}
	other := &schema.AddressBook{Slug: "other"}
	for _, b := range []*schema.AddressBook{private, public, other} {
		if err := database.CreateBook(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	if err := database.CreateUser(ctx, "alice"); err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	if err := database.CreateUser(ctx, "alice"); !errors.Is(err, syncerr.ErrAlreadyExists) {
		t.Errorf("CreateUser() duplicate err = %v", err)
	}
	if err := database.AssignBook(ctx, "alice", private.ID); err != nil {
		t.Fatalf("AssignBook() failed: %v", err)
	}

	ids, err := database.UserBookAccess(ctx, "alice")
	if err != nil {
		t.Fatalf("UserBookAccess() failed: %v", err)
	}
	want := map[string]bool{private.ID: true, public.ID: true}
	if len(ids) != len(want) {
		t.Fatalf("UserBookAccess() = %v, want %v", ids, want)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected book %s", id)
		}
	}

	// Unknown users still see public books.
	ids, _ = database.UserBookAccess(ctx, "bob")
	if len(ids) != 1 || ids[0] != public.ID {
		t.Errorf("UserBookAccess(bob) = %v", ids)
	}

	if err := database.UnassignBook(ctx, "alice", private.ID); err != nil {
		t.Fatal(err)
	}
	ids, _ = database.UserBookAccess(ctx, "alice")
	if len(ids) != 1 {
		t.Errorf("UserBookAccess() after unassign = %v", ids)
	}

	stats, err := database.Stats(ctx)
	if err != nil || stats.Books != 3 || stats.Users != 1 {
		t.Errorf("Stats() = %+v, %v", stats, err)
	}
}
