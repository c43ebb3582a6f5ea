package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/formdepot/pkg/asset"
)

var (
	dbURL     = flag.String("db-url", getEnv("FORMDEPOT_POSTGRES_URL", "postgres://localhost/formdepot?sslmode=disable"), "PostgreSQL connection URL")
	schedule  = flag.String("schedule", getEnv("FORMDEPOT_SNAPSHOT_REAPER_SCHEDULE", "0 3 * * *"), "Cron schedule for snapshot reaping")
	retainFor = flag.Duration("retain-for", 24*time.Hour, "How long snapshots are kept before deletion")
	runOnce   = flag.Bool("run-once", false, "Run one reap pass and exit (for testing)")
)

func main() {
	flag.Parse()

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	store := asset.NewStore(db)

	if *runOnce {
		if err := reap(store, *retainFor); err != nil {
			log.Fatalf("Reap failed: %v", err)
		}
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		if err := reap(store, *retainFor); err != nil {
			log.Printf("Reap failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule reap: %v", err)
	}

	c.Start()
	log.Println("Formdepot snapshot reaper started")
	log.Printf("Schedule: %s, retention: %s", *schedule, *retainFor)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Println("Reaper stopped")
}

// reap deletes snapshots older than the retention window. They are a
// regenerable cache: the next export request recreates them from the
// stored version content.
func reap(store *asset.Store, retainFor time.Duration) error {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-retainFor)

	log.Printf("Reaping snapshots created before %s", cutoff.Format(time.RFC3339))
	deleted, err := store.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	log.Printf("Deleted %d snapshots", deleted)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
