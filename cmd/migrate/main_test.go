package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/storage/postgres"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("OMS_POSTGRES_DSN", "postgres://env")

	opts, err := parseFlags([]string{"-direction=STATUS"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.direction != "status" || opts.dsn != "postgres://env" {
		t.Fatalf("unexpected options %+v", opts)
	}

	opts, err = parseFlags([]string{"-direction=down", "-steps=2", "-dsn=postgres://flag"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.direction != "down" || opts.steps != 2 || opts.dsn != "postgres://flag" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	t.Setenv("OMS_POSTGRES_DSN", "")

	if _, err := parseFlags([]string{"-direction=sideways", "-dsn=x"}); err == nil || !strings.Contains(err.Error(), "unsupported direction") {
		t.Fatalf("expected unsupported direction error, got %v", err)
	}
	if _, err := parseFlags([]string{"-direction=up"}); err == nil || !strings.Contains(err.Error(), "OMS_POSTGRES_DSN") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
	if _, err := parseFlags([]string{"-steps=many"}); err == nil {
		t.Fatal("expected flag parse error")
	}
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, "up", postgres.MigrationStatus{Version: 2, Applied: 2, Pending: []string{"0003_outbox_messages"}})

	got := out.String()
	if !strings.Contains(got, "migrate up ok: version=2 applied=2") {
		t.Fatalf("unexpected output %q", got)
	}
	if !strings.Contains(got, "pending: 0003_outbox_messages") {
		t.Fatalf("pending migration is not listed: %q", got)
	}
}

func testPostgresDSN(t *testing.T) string {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("OMS_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	_ = store.Close()
	return dsn
}

func TestRunStatusAndMigratePaths(t *testing.T) {
	dsn := testPostgresDSN(t)
	ctx := context.Background()

	var out bytes.Buffer
	for _, opts := range []options{
		{direction: "up", dsn: dsn},
		{direction: "status", dsn: dsn},
	} {
		if err := run(ctx, opts, &out); err != nil {
			t.Fatalf("run(%s): %v", opts.direction, err)
		}
	}
	if !strings.Contains(out.String(), "migration status: version=") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
