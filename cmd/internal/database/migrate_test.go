package database

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded dir: %v", err)
	}

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected paired up/down migrations, got up=%d down=%d", ups, downs)
	}
}

// Integration: requires TARS_DATABASE_URL. Mutates the "tars" schema of that database.
func TestRunMigrations_UpDown(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TARS_DATABASE_URL"))
	if dsn == "" {
		t.Skip("integration test skipped: TARS_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Skipf("integration test skipped: Postgres unreachable: %v", err)
	}
	defer conn.Close(ctx)

	v, err := RunMigrations(dsn)
	if err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if v < 2 {
		t.Fatalf("expected version >= 2, got %d", v)
	}

	for _, table := range []string{"users", "messages"} {
		var exists bool
		err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
			Schema, table,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if !exists {
			t.Fatalf("table %s.%s missing after migrate up", Schema, table)
		}
	}

	// Second run is a no-op.
	if _, err := RunMigrations(dsn); err != nil {
		t.Fatalf("migrate up (again): %v", err)
	}
}
