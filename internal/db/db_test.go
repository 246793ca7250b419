package db

import (
	"context"
	"os"
	"testing"
)

func TestIndexesCoverCollections(t *testing.T) {
	idx := indexes()
	for _, name := range []string{Users, Messages, Jobs} {
		if len(idx[name]) == 0 {
			t.Fatalf("expected indexes for %s", name)
		}
	}
	users := idx[Users][0]
	if users.Options == nil {
		t.Fatalf("users email index must be unique")
	}
}

// Integration test; requires MONGODB_URI.
func TestNewAndCreateIndexes(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	c, err := New(ctx, uri, "leadmarket_test_db")
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	defer func() {
		_ = c.Drop(context.Background())
		_ = c.Close(context.Background())
	}()

	if err := c.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes failed: %v", err)
	}
	// Idempotent.
	if err := c.CreateIndexes(ctx); err != nil {
		t.Fatalf("second CreateIndexes failed: %v", err)
	}
}
