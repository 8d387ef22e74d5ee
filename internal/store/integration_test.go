//go:build integration

package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/teerpro/result-engine/internal/store"
)

// Run with: go test -tags integration ./internal/store/
// TEST_POSTGRES_URL and TEST_MONGO_URI select the backends. Mongo must be a
// replica set, since settlement runs in a transaction.

func TestPostgresStore_Conformance(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	ps := store.NewPostgresStore(pool)
	if err := ps.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	testStoreConformance(t, ps)
}

func TestMongoStore_Conformance(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	db := client.Database("teer_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		db.Drop(dctx)
		client.Disconnect(dctx)
	})

	ms := store.NewMongoStore(client, db)
	if err := ms.EnsureIndexes(ctx); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	testStoreConformance(t, ms)
}
