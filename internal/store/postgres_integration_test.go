//go:build postgres_integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"pollrelief/internal/model"
)

// Requires a scratch database:
//
//	TEST_DATABASE_URL=postgres://localhost/pollrelief_test go test -tags postgres_integration ./internal/store
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pg, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := pg.MigrateDir(context.Background(), "../../db/migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pg
}

func TestPostgresLifecycle(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()

	addr := model.NormalizedAddress{
		Street: "100 Congress Ave", City: "Austin", State: "TX", Zip: "78701",
		Lat: 30.2672, Lng: -97.7431,
	}
	loc, created, err := pg.GetOrCreateLocation(ctx, addr)
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	again, createdAgain, err := pg.GetOrCreateLocation(ctx, addr)
	if err != nil || createdAgain || again.ID != loc.ID {
		t.Fatalf("idempotence: created=%v err=%v", createdAgain, err)
	}
	_ = created

	rep, receipt, err := pg.CreateReport(ctx, model.ReportIn{URL: "https://t.example/pg-a", Address: addr})
	if err != nil || !receipt.IsUniqueReport {
		t.Fatalf("report: %+v err=%v", receipt, err)
	}
	dup, receipt, err := pg.CreateReport(ctx, model.ReportIn{URL: "https://t.example/pg-a", Address: addr})
	if err != nil || receipt.IsUniqueReport || dup.ID != rep.ID {
		t.Fatalf("dedup: %+v err=%v", receipt, err)
	}

	ord, closed, err := pg.PlaceOrder(ctx, loc.ID, model.OrderIn{
		Quantity: 5, Cost: decimal.RequireFromString("99.50"),
	})
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if closed < 1 {
		t.Fatalf("expected open reports closed, got %d", closed)
	}
	got, err := pg.GetOrder(ctx, ord.ID)
	if err != nil || !got.Cost.Equal(ord.Cost) {
		t.Fatalf("get order: %+v err=%v", got, err)
	}

	validated, _, err := pg.ValidateLocation(ctx, loc.ID, "alex")
	if err != nil || validated.ValidatedAt == nil {
		t.Fatalf("validate: %v", err)
	}
}
