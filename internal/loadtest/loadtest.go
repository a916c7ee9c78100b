// Package loadtest measures sync pass latency against a generated contact set.
//
// A Fixture is a migrated sqlite database and a contact file tree populated
// with address books, memberships and composite accounts. RunPasses edits a
// share of the contacts on both sides between passes and records how long
// each inbound and outbound pass takes.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cardsync/cardsync/internal/accounts"
	"github.com/cardsync/cardsync/internal/db"
	"github.com/cardsync/cardsync/internal/filestore"
	"github.com/cardsync/cardsync/internal/schema"
	contactsync "github.com/cardsync/cardsync/internal/sync"
)

// Options sizes a Fixture.
type Options struct {
	Contacts     int     // contacts in the database
	Books        int     // address books; contacts are spread across them
	UsersPerBook int     // composite accounts per book
	SharedPct    float64 // share of contacts that belong to two books
	EditPct      float64 // share of contacts edited between passes
}

// DefaultOptions returns a small but representative fixture size.
func DefaultOptions() Options {
	return Options{
		Contacts:     500,
		Books:        3,
		UsersPerBook: 2,
		SharedPct:    0.2,
		EditPct:      0.05,
	}
}

// Fixture is a populated database and file tree.
type Fixture struct {
	DB       *db.DB
	Files    *filestore.Store
	Syncer   *contactsync.Orchestrator
	Books    []schema.AddressBook
	Accounts []string
	Contacts []*schema.Contact

	opts Options
	rng  *rand.Rand
}

// staticAccounts serves a fixed account list.
type staticAccounts []string

func (s staticAccounts) AccountsForBook(bookID string) ([]string, error) {
	var out []string
	for _, n := range s {
		if _, id, ok := accounts.ParseName(n); ok && id == bookID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s staticAccounts) AccountNames() ([]string, error) {
	return s, nil
}

// CreateFixture builds a fixture under dir. The contact data is generated
// from a fixed seed so runs are comparable.
func CreateFixture(ctx context.Context, dir string, opts Options) (*Fixture, error) {
	if opts.Contacts <= 0 || opts.Books <= 0 {
		return nil, fmt.Errorf("contacts and books must be positive")
	}

	database, err := db.Open(db.DriverSQLite, filepath.Join(dir, "loadtest.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	quiet := log.New(io.Discard, "", 0)
	database.SetLogger(quiet)

	if err := database.Migrate(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	f := &Fixture{
		DB:    database,
		Files: filestore.New(filepath.Join(dir, "collections", filestore.RootMarker), quiet),
		opts:  opts,
		rng:   rand.New(rand.NewSource(42)),
	}

	if err := f.populate(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}

	f.Syncer = contactsync.New(database, f.Files, staticAccounts(f.Accounts), quiet)
	return f, nil
}

func (f *Fixture) populate(ctx context.Context) error {
	for i := 0; i < f.opts.Books; i++ {
		b := schema.AddressBook{
			Slug: fmt.Sprintf("book-%02d", i),
			Name: fmt.Sprintf("Book %d", i),
		}
		if err := f.DB.CreateBook(ctx, &b); err != nil {
			return fmt.Errorf("failed to create book %s: %w", b.Slug, err)
		}
		f.Books = append(f.Books, b)

		for u := 0; u < f.opts.UsersPerBook; u++ {
			name := accounts.DeriveName(fmt.Sprintf("user%02d", u), b.ID)
			if err := f.Files.EnsureAccount(name, b); err != nil {
				return err
			}
			f.Accounts = append(f.Accounts, name)
		}
	}

	for _, c := range generateContacts(f.opts.Contacts) {
		if err := f.DB.CreateContact(ctx, c); err != nil {
			return fmt.Errorf("failed to insert contact %s: %w", c.VCardID, err)
		}
		if err := f.DB.SetMembership(ctx, c.ID, f.pickBooks()); err != nil {
			return fmt.Errorf("failed to assign contact %s: %w", c.VCardID, err)
		}
		f.Contacts = append(f.Contacts, c)
	}
	return nil
}

func (f *Fixture) pickBooks() []string {
	first := f.rng.Intn(len(f.Books))
	ids := []string{f.Books[first].ID}
	if len(f.Books) > 1 && f.rng.Float64() < f.opts.SharedPct {
		second := (first + 1 + f.rng.Intn(len(f.Books)-1)) % len(f.Books)
		ids = append(ids, f.Books[second].ID)
	}
	return ids
}

// Close closes the database.
func (f *Fixture) Close() error {
	return f.DB.Close()
}

// generateContacts creates contacts with a realistic spread of fields.
func generateContacts(count int) []*schema.Contact {
	first := []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Ken", "Margaret", "Donald"}
	last := []string{"Lovelace", "Hopper", "Turing", "Dijkstra", "Liskov", "Thompson", "Hamilton", "Knuth"}
	base := time.Now().UTC().Add(-30 * 24 * time.Hour)

	contacts := make([]*schema.Contact, count)
	for i := 0; i < count; i++ {
		fn, ln := first[i%len(first)], last[(i/len(first))%len(last)]
		created := base.Add(time.Duration(i) * time.Minute)
		c := &schema.Contact{
			VCardID:   fmt.Sprintf("loadtest-%05d", i),
			FirstName: fn,
			LastName:  ln,
			Emails: []schema.TypedValue{
				{Value: fmt.Sprintf("%s.%s.%d@example.com", strings.ToLower(fn), strings.ToLower(ln), i), Type: "home"},
			},
			CreatedAt: created,
			UpdatedAt: created,
		}
		if i%3 == 0 {
			c.Phones = []schema.TypedValue{{Value: fmt.Sprintf("+1555%07d", i), Type: "cell"}}
		}
		if i%5 == 0 {
			c.Organization = "Analytical Engines Ltd"
			c.JobTitle = "Engineer"
		}
		contacts[i] = c
	}
	return contacts
}

// LatencyStats captures pass timings.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Passes    int
	Failures  int
	Durations []time.Duration
}

// Report is the outcome of RunPasses.
type Report struct {
	Initial  time.Duration // first outbound pass, writing every file
	Inbound  *LatencyStats
	Outbound *LatencyStats
	Edits    int
}

// RunPasses exports every contact once, then runs passes rounds of edits
// followed by an inbound and an outbound pass.
//
// Each round edits EditPct of the contacts: half in the database, half by
// rewriting their master file.
func (f *Fixture) RunPasses(ctx context.Context, passes int) (*Report, error) {
	start := time.Now()
	initial, err := f.Syncer.Outbound(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial outbound pass failed: %w", err)
	}
	report := &Report{Initial: time.Since(start)}

	var inbound, outbound []time.Duration
	inFailures, outFailures := 0, len(initial.Failures)
	for i := 0; i < passes; i++ {
		n, err := f.edit(ctx, i)
		if err != nil {
			return nil, err
		}
		report.Edits += n

		start = time.Now()
		in, err := f.Syncer.Inbound(ctx)
		if err != nil {
			return nil, fmt.Errorf("inbound pass %d failed: %w", i, err)
		}
		inbound = append(inbound, time.Since(start))

		start = time.Now()
		out, err := f.Syncer.Outbound(ctx)
		if err != nil {
			return nil, fmt.Errorf("outbound pass %d failed: %w", i, err)
		}
		outbound = append(outbound, time.Since(start))

		inFailures += len(in.Failures)
		outFailures += len(out.Failures)
	}

	report.Inbound = computeLatencyStats(inbound)
	report.Outbound = computeLatencyStats(outbound)
	report.Inbound.Failures = inFailures
	report.Outbound.Failures = outFailures
	return report, nil
}

// edit changes a random sample of contacts for round.
func (f *Fixture) edit(ctx context.Context, round int) (int, error) {
	n := int(float64(len(f.Contacts)) * f.opts.EditPct)
	if n == 0 {
		n = 1
	}
	if n > len(f.Contacts) {
		n = len(f.Contacts)
	}
	now := time.Now().UTC()

	for k, idx := range f.rng.Perm(len(f.Contacts))[:n] {
		c, err := f.DB.ContactByVCardID(ctx, f.Contacts[idx].VCardID)
		if err != nil {
			return 0, err
		}

		if k%2 == 0 {
			c.Notes = fmt.Sprintf("edited in database, round %d", round)
			c.UpdatedAt = now
			if err := f.DB.UpdateContact(ctx, c); err != nil {
				return 0, fmt.Errorf("failed to edit %s: %w", c.VCardID, err)
			}
			continue
		}

		if err := f.editFile(ctx, c, round, now); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (f *Fixture) editFile(ctx context.Context, c *schema.Contact, round int, mtime time.Time) error {
	bookIDs, err := f.DB.Membership(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(bookIDs) == 0 {
		return nil
	}

	path := filestore.ContactPath(f.Files.MasterDir(bookIDs[0]), c.VCardID)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	note := fmt.Sprintf("NOTE:edited by a client\\, round %d\r\nEND:VCARD", round)
	body := strings.Replace(string(data), "END:VCARD", note, 1)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	// Ahead of the database edit time so the file side wins.
	return os.Chtimes(path, mtime.Add(time.Second), mtime.Add(time.Second))
}

// VerifyConsistency checks that every book's master directory holds exactly
// its member contacts and that every composite account mirrors its book.
func (f *Fixture) VerifyConsistency(ctx context.Context) error {
	memberships, err := f.DB.AllMemberships(ctx)
	if err != nil {
		return err
	}
	want := make(map[string][]string, len(f.Books))
	for _, c := range f.Contacts {
		for _, id := range memberships[c.ID] {
			want[id] = append(want[id], c.VCardID)
		}
	}

	accts := staticAccounts(f.Accounts)
	for _, b := range f.Books {
		got, err := f.Files.ListMaster(b.ID)
		if err != nil {
			return err
		}
		sort.Strings(got)
		expected := want[b.ID]
		sort.Strings(expected)
		if strings.Join(got, ",") != strings.Join(expected, ",") {
			return fmt.Errorf("book %s: master has %d contacts, want %d", b.Slug, len(got), len(expected))
		}

		names, _ := accts.AccountsForBook(b.ID)
		for _, name := range names {
			for _, id := range expected {
				if _, err := os.Stat(filestore.ContactPath(f.Files.AccountDir(name), id)); err != nil {
					return fmt.Errorf("account %s is missing %s: %w", name, id, err)
				}
			}
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Passes:    len(durations),
		Durations: sorted,
	}
}

// Print writes the statistics under a heading.
func (s *LatencyStats) Print(w io.Writer, heading string) {
	fmt.Fprintf(w, "%s:\n", heading)
	fmt.Fprintf(w, "  Passes:        %d\n", s.Passes)
	fmt.Fprintf(w, "  Failures:      %d\n", s.Failures)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
