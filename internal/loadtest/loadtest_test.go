package loadtest

import (
	"context"
	"io"
	"testing"
	"time"
)

func createFixture(t *testing.T, opts Options) *Fixture {
	t.Helper()
	f, err := CreateFixture(context.Background(), t.TempDir(), opts)
	if err != nil {
		t.Fatalf("CreateFixture() failed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestCreateFixture(t *testing.T) {
	opts := Options{Contacts: 60, Books: 3, UsersPerBook: 2, SharedPct: 0.3, EditPct: 0.1}
	f := createFixture(t, opts)

	if len(f.Contacts) != 60 {
		t.Errorf("got %d contacts, want 60", len(f.Contacts))
	}
	if len(f.Books) != 3 {
		t.Errorf("got %d books, want 3", len(f.Books))
	}
	if len(f.Accounts) != 6 {
		t.Errorf("got %d accounts, want 6", len(f.Accounts))
	}

	memberships, err := f.DB.AllMemberships(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	shared := 0
	for _, c := range f.Contacts {
		switch n := len(memberships[c.ID]); n {
		case 1:
		case 2:
			shared++
		default:
			t.Errorf("contact %s is in %d books", c.VCardID, n)
		}
	}
	if shared == 0 {
		t.Error("expected some contacts in two books")
	}
}

func TestCreateFixtureRejectsEmpty(t *testing.T) {
	if _, err := CreateFixture(context.Background(), t.TempDir(), Options{}); err == nil {
		t.Error("CreateFixture() with no contacts should fail")
	}
}

func TestRunPassesConverges(t *testing.T) {
	f := createFixture(t, Options{Contacts: 40, Books: 2, UsersPerBook: 2, SharedPct: 0.25, EditPct: 0.2})
	ctx := context.Background()

	report, err := f.RunPasses(ctx, 3)
	if err != nil {
		t.Fatalf("RunPasses() failed: %v", err)
	}

	if report.Inbound.Passes != 3 || report.Outbound.Passes != 3 {
		t.Errorf("passes = %d/%d, want 3/3", report.Inbound.Passes, report.Outbound.Passes)
	}
	if report.Inbound.Failures != 0 || report.Outbound.Failures != 0 {
		t.Errorf("failures = %d/%d, want none", report.Inbound.Failures, report.Outbound.Failures)
	}
	if report.Edits != 24 {
		t.Errorf("Edits = %d, want 24", report.Edits)
	}

	if err := f.VerifyConsistency(ctx); err != nil {
		t.Errorf("VerifyConsistency() failed: %v", err)
	}

	stats, err := f.DB.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingSync != 0 {
		t.Errorf("PendingSync = %d after a full round, want 0", stats.PendingSync)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(100-i) * time.Millisecond
	}

	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P95 != 96*time.Millisecond {
		t.Errorf("P95 = %v, want 96ms", stats.P95)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}
	if stats.Passes != 100 {
		t.Errorf("Passes = %d, want 100", stats.Passes)
	}

	if empty := computeLatencyStats(nil); empty.Passes != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	stats.Print(io.Discard, "Outbound")
}
