package sync

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/vcard"
)

func TestContactCardRoundTrip(t *testing.T) {
	bday := time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)
	want := &schema.Contact{
		VCardID:      "ada",
		DisplayName:  "Ada King",
		FirstName:    "Augusta Ada",
		LastName:     "King",
		MiddleName:   "Byron",
		Prefix:       "Countess",
		Nickname:     "Ada",
		MaidenName:   "Byron",
		Emails:       []schema.TypedValue{{Value: "ada@example.com", Type: "HOME"}},
		Phones:       []schema.TypedValue{{Value: "555-1234", Type: "CELL,PREF"}},
		Addresses:    []schema.Address{{Type: "HOME", Street: "12 St James's Square", Locality: "London", Country: "UK"}},
		URLs:         []schema.TypedValue{{Value: "https://example.com/ada"}},
		Organization: "Analytical Engine Society",
		JobTitle:     "Mathematician",
		Role:         "Programmer",
		Birthday:     &bday,
		Notes:        "First programmer.\nWrote notes on the engine.",
		Photo:        []byte{0xff, 0xd8, 0xff, 0xe0},
		PhotoMime:    "image/jpeg",
		CustomFields: []schema.CustomField{{Name: "X-ANNIVERSARY", Value: "1835-07-08"}},
	}

	card, err := vcard.Parse(vcard.Generate(cardFromContact(want)))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	got := &schema.Contact{VCardID: want.VCardID}
	applyCard(got, card)

	diff := cmp.Diff(want, got,
		cmpopts.EquateEmpty(),
		cmpopts.IgnoreFields(schema.Contact{}, "PhotoHash"),
	)
	if diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.PhotoHash == "" {
		t.Error("PhotoHash not computed")
	}
}

func TestKeptPropertiesSurviveDatabaseEdit(t *testing.T) {
	text := "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:k1\r\nFN:Kept\r\n" +
		"LABEL;TYPE=HOME:1 Main St\\nSpringfield\r\n" +
		"LOGO;TYPE=WORK:https://example.com/logo.png\r\n" +
		"SOUND:https://example.com/k.ogg\r\n" +
		"KEY;TYPE=PGP:abc\r\n" +
		"AGENT:Assistant\r\n" +
		"CATEGORIES:friends,work\r\n" +
		"X-CUSTOM:kept\r\n" +
		"END:VCARD\r\n"
	imported, err := vcard.Parse(text)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	c := &schema.Contact{VCardID: "k1"}
	applyCard(c, imported)
	c.Notes = "edited in the database"

	regenerated, err := vcard.Parse(vcard.Generate(cardFromContact(c)))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	opts := cmpopts.EquateEmpty()
	for _, tt := range []struct {
		name      string
		want, got any
	}{
		{"labels", imported.Labels, regenerated.Labels},
		{"logos", imported.Logos, regenerated.Logos},
		{"sounds", imported.Sounds, regenerated.Sounds},
		{"keys", imported.Keys, regenerated.Keys},
		{"agent", imported.Agent, regenerated.Agent},
		{"categories", imported.Categories, regenerated.Categories},
		{"custom", imported.Custom, regenerated.Custom},
	} {
		if diff := cmp.Diff(tt.want, tt.got, opts); diff != "" {
			t.Errorf("%s lost after a database edit (-want +got):\n%s", tt.name, diff)
		}
	}
	if regenerated.Note != "edited in the database" {
		t.Errorf("Note = %q", regenerated.Note)
	}
}

func TestParseBirthday(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"19900402", "1990-04-02"},
		{"1990-04-02", "1990-04-02"},
		{"1990-04-02T00:00:00Z", "1990-04-02"},
		{"--0402", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := parseBirthday(tt.in)
		switch {
		case tt.want == "" && got != nil:
			t.Errorf("parseBirthday(%q) = %v, want nil", tt.in, got)
		case tt.want != "" && (got == nil || got.Format("2006-01-02") != tt.want):
			t.Errorf("parseBirthday(%q) = %v, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSplitNote(t *testing.T) {
	notes, maiden := splitNote("Met at the conference.\nMaiden name: Smith\nLikes tea.")
	if maiden != "Smith" {
		t.Errorf("maiden = %q, want Smith", maiden)
	}
	if notes != "Met at the conference.\nLikes tea." {
		t.Errorf("notes = %q", notes)
	}

	if notes, maiden := splitNote("Just a note"); notes != "Just a note" || maiden != "" {
		t.Errorf("splitNote() = %q, %q", notes, maiden)
	}
}

func TestPhotoMimeMapping(t *testing.T) {
	for in, want := range map[string]string{"JPEG": "image/jpeg", "jpg": "image/jpeg", "image/png": "image/png", "": ""} {
		if got := photoMime(in); got != want {
			t.Errorf("photoMime(%q) = %q, want %q", in, got, want)
		}
	}
	if got := photoType("image/png"); got != "PNG" {
		t.Errorf("photoType() = %q, want PNG", got)
	}
}
