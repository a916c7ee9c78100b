package schema

import "testing"

func TestContactValidate(t *testing.T) {
	tests := []struct {
		name    string
		contact Contact
		wantErr bool
	}{
		{"valid", Contact{VCardID: "abc-123", Sync: SyncMetadata{Origin: OriginFile}}, false},
		{"no vcard id", Contact{}, false},
		{"path separator", Contact{VCardID: "../etc/passwd"}, true},
		{"bad origin", Contact{VCardID: "x", Sync: SyncMetadata{Origin: "ftp"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.contact.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContactFilename(t *testing.T) {
	c := Contact{VCardID: "6d9a3c52"}
	if got := c.Filename(); got != "6d9a3c52.vcf" {
		t.Errorf("Filename() = %q, want 6d9a3c52.vcf", got)
	}
	if !c.Syncable() {
		t.Error("contact with vcard id should be syncable")
	}
	if (&Contact{}).Syncable() {
		t.Error("contact without vcard id must never be synchronized")
	}
}

func TestAddressBookValidate(t *testing.T) {
	tests := []struct {
		name    string
		book    AddressBook
		wantErr bool
	}{
		{"valid", AddressBook{ID: "1", Slug: "family"}, false},
		{"missing id", AddressBook{Slug: "family"}, true},
		{"uppercase slug", AddressBook{ID: "1", Slug: "Family"}, true},
		{"reserved slug", AddressBook{ID: "1", Slug: LegacyCollectionName}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.book.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLegacyBook(t *testing.T) {
	b := LegacyBook()
	if !b.IsLegacy() || !b.IsDefault {
		t.Errorf("LegacyBook() = %+v, want default legacy book", b)
	}
	if b.HasReadOnlySubscription() {
		t.Error("legacy book has no read-only subscription")
	}
}
