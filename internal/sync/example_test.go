package sync_test

import (
	"context"
	"fmt"
	"log"

	"github.com/cardsync/cardsync/internal/db"
	"github.com/cardsync/cardsync/internal/filestore"
	"github.com/cardsync/cardsync/internal/sync"
)

// This example demonstrates one full reconciliation.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	ctx := context.Background()

	database, err := db.Open(db.DriverSQLite, "./data/cardsync.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	files := filestore.New("./data/collections", nil)
	syncer := sync.New(database, files, nil, nil)

	// Import edits made through CardDAV clients first
	in, err := syncer.Inbound(ctx)
	if err != nil {
		log.Fatal(err)
	}

	// Then export database changes
	out, err := syncer.Outbound(ctx)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(in)
	fmt.Println(out)
}
