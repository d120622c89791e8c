package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pollrelief/internal/model"
)

func testAddr(street string) model.NormalizedAddress {
	return model.NormalizedAddress{
		Street: street, City: "Austin", State: "TX", Zip: "78701",
		Lat: 30.2672, Lng: -97.7431,
	}
}

func mustReport(t *testing.T, m *Memory, street, url string) (model.Report, model.ReportReceipt) {
	t.Helper()
	rep, receipt, err := m.CreateReport(context.Background(), model.ReportIn{
		Contact: "555-0100", URL: url, Address: testAddr(street),
	})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	return rep, receipt
}

func TestGetOrCreateLocationIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, created, err := m.GetOrCreateLocation(ctx, testAddr("100 Congress Ave"))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := m.GetOrCreateLocation(ctx, testAddr("100 Congress Ave"))
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("same address minted two locations: %d and %d", first.ID, second.ID)
	}
	if first.FullAddress != "100 Congress Ave Austin TX 78701" {
		t.Fatalf("unexpected full address %q", first.FullAddress)
	}
}

func TestFindLocationByTokens(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	loc, _, _ := m.GetOrCreateLocation(ctx, testAddr("100 Congress Ave"))

	byID, err := m.FindLocation(ctx, "1")
	if err != nil || byID.ID != loc.ID {
		t.Fatalf("find by id: %+v err=%v", byID, err)
	}
	byAddr, err := m.FindLocation(ctx, "100+Congress+Ave+Austin+TX+78701")
	if err != nil || byAddr.ID != loc.ID {
		t.Fatalf("find by plus-encoded address: err=%v", err)
	}
	byEnc, err := m.FindLocation(ctx, "100%20Congress%20Ave%20Austin%20TX%2078701")
	if err != nil || byEnc.ID != loc.ID {
		t.Fatalf("find by percent-encoded address: err=%v", err)
	}
	if _, err := m.FindLocation(ctx, "999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateReportDedupByURL(t *testing.T) {
	m := NewMemory()

	first, receipt := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	if !receipt.IsUniqueReport || !receipt.LocationCreated {
		t.Fatalf("first report receipt: %+v", receipt)
	}
	dup, receipt := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	if receipt.IsUniqueReport {
		t.Fatal("duplicate URL should not be unique")
	}
	if dup.ID != first.ID {
		t.Fatalf("duplicate returned a new report: %d vs %d", dup.ID, first.ID)
	}
	other, receipt := mustReport(t, m, "100 Congress Ave", "https://t.example/b")
	if !receipt.IsUniqueReport || other.ID == first.ID {
		t.Fatalf("distinct URL should create a new report: %+v", receipt)
	}
}

func TestDedupResetsAfterClose(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, _ := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	if _, err := m.SkipLocation(ctx, first.LocationID, ""); err != nil {
		t.Fatalf("SkipLocation: %v", err)
	}
	again, receipt := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	if !receipt.IsUniqueReport || again.ID == first.ID {
		t.Fatal("skipped report should not suppress a fresh submission")
	}
}

func TestPlaceOrderClosesOpenReportsAndValidates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rep1, _ := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	mustReport(t, m, "100 Congress Ave", "https://t.example/b")
	locID := rep1.LocationID
	if _, err := m.SkipLocation(ctx, locID, ""); err != nil {
		t.Fatalf("SkipLocation: %v", err)
	}
	mustReport(t, m, "100 Congress Ave", "https://t.example/c")

	ord, closed, err := m.PlaceOrder(ctx, locID, model.OrderIn{
		Quantity: 10, Cost: decimal.RequireFromString("123.45"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 open report closed, got %d", closed)
	}
	if ord.OrderType != "pizzas" {
		t.Fatalf("order type default: %q", ord.OrderType)
	}
	loc, _ := m.GetLocation(ctx, locID)
	if loc.ValidatedAt == nil {
		t.Fatal("order placement must validate the location")
	}

	actions, _ := m.ListActions(ctx, model.EntityOrder, ord.ID, 0)
	if len(actions) != 1 || actions[0].ActionType != "ordered" {
		t.Fatalf("order audit trail: %+v", actions)
	}
	if actions[0].UserID != model.DefaultUser {
		t.Fatalf("unattributed order should log %q, got %q", model.DefaultUser, actions[0].UserID)
	}
}

func TestValidateLocationKeepsFirstTimestamp(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rep, _ := mustReport(t, m, "100 Congress Ave", "https://t.example/a")

	first, open, err := m.ValidateLocation(ctx, rep.LocationID, "alex")
	if err != nil || first.ValidatedAt == nil {
		t.Fatalf("validate: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open report, got %d", len(open))
	}
	time.Sleep(time.Millisecond)
	second, _, err := m.ValidateLocation(ctx, rep.LocationID, "alex")
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if !second.ValidatedAt.Equal(*first.ValidatedAt) {
		t.Fatal("revalidation must not move the timestamp")
	}
	actions, _ := m.ListActions(ctx, model.EntityLocation, rep.LocationID, 0)
	validations := 0
	for _, a := range actions {
		if a.ActionType == "validated" {
			validations++
		}
	}
	if validations != 2 {
		t.Fatalf("both validate calls must be logged, got %d", validations)
	}
}

func TestAssignTruckAndInheritance(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rep, _ := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	trk, attached, err := m.AssignTruck(ctx, rep.LocationID, "austin-tx", "alex")
	if err != nil {
		t.Fatalf("AssignTruck: %v", err)
	}
	if attached != 1 {
		t.Fatalf("expected 1 report attached, got %d", attached)
	}

	// a truck does not close the report
	reports, _ := m.ListReports(ctx, rep.LocationID)
	if len(reports) != 1 || !reports[0].Open() {
		t.Fatalf("truck attachment must leave the report open: %+v", reports)
	}
	if reports[0].TruckID == nil || *reports[0].TruckID != trk.ID {
		t.Fatal("report not linked to truck")
	}

	// a later report at the location inherits the active truck
	later, receipt := mustReport(t, m, "100 Congress Ave", "https://t.example/b")
	if !receipt.HasTruck || later.TruckID == nil || *later.TruckID != trk.ID {
		t.Fatalf("new report should inherit truck: %+v receipt=%+v", later, receipt)
	}
}

func TestSkipStampsTruckAssignedReports(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rep, _ := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	if _, _, err := m.AssignTruck(ctx, rep.LocationID, "austin-tx", ""); err != nil {
		t.Fatalf("AssignTruck: %v", err)
	}
	n, err := m.SkipLocation(ctx, rep.LocationID, "")
	if err != nil || n != 1 {
		t.Fatalf("skip should close the truck-assigned report: n=%d err=%v", n, err)
	}
}

func TestMergeReparentsAndLogs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	repA, _ := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	repB, _ := mustReport(t, m, "100 Congress Avenue", "https://t.example/b")
	if repA.LocationID == repB.LocationID {
		t.Fatal("fixture expects two locations")
	}
	if _, _, err := m.ValidateLocation(ctx, repB.LocationID, ""); err != nil {
		t.Fatalf("validate source: %v", err)
	}

	canon, err := m.MergeLocations(ctx, repB.LocationID, repA.LocationID, "alex")
	if err != nil {
		t.Fatalf("MergeLocations: %v", err)
	}
	if canon.ID != repA.LocationID {
		t.Fatalf("canonical mismatch: %d", canon.ID)
	}

	src, _ := m.GetLocation(ctx, repB.LocationID)
	if !src.Absorbed() || src.ValidatedAt != nil {
		t.Fatalf("source after merge: %+v", src)
	}
	resolved, err := m.ResolveCanonical(ctx, repB.LocationID)
	if err != nil || resolved.ID != repA.LocationID {
		t.Fatalf("resolve through merge: %+v err=%v", resolved, err)
	}
	reports, _ := m.ListReports(ctx, repA.LocationID)
	if len(reports) != 2 {
		t.Fatalf("reports not re-parented: %d", len(reports))
	}

	srcActions, _ := m.ListActions(ctx, model.EntityLocation, repB.LocationID, 0)
	canonActions, _ := m.ListActions(ctx, model.EntityLocation, repA.LocationID, 0)
	if !hasAction(srcActions, "merged into 1") {
		t.Fatalf("source audit missing merge entry: %+v", srcActions)
	}
	if !hasAction(canonActions, "absorbed 2") {
		t.Fatalf("canonical audit missing absorb entry: %+v", canonActions)
	}
}

func hasAction(actions []model.Action, actionType string) bool {
	for _, a := range actions {
		if a.ActionType == actionType {
			return true
		}
	}
	return false
}

func TestMergeRejectsCycles(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a, _, _ := m.GetOrCreateLocation(ctx, testAddr("1 A St"))
	b, _, _ := m.GetOrCreateLocation(ctx, testAddr("2 B St"))

	if _, err := m.MergeLocations(ctx, a.ID, a.ID, ""); !errors.Is(err, ErrCanonicalCycle) {
		t.Fatalf("self-merge: %v", err)
	}
	if _, err := m.MergeLocations(ctx, a.ID, b.ID, ""); err != nil {
		t.Fatalf("merge a->b: %v", err)
	}
	if _, err := m.MergeLocations(ctx, b.ID, a.ID, ""); !errors.Is(err, ErrCanonicalCycle) {
		t.Fatalf("closing the chain must fail: %v", err)
	}
	if _, err := m.MergeLocations(ctx, a.ID, 999, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown canonical: %v", err)
	}
}

func TestOperationsFollowCanonicalChain(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	src, _ := mustReport(t, m, "100 Congress Ave", "https://t.example/a")
	canonLoc, _, _ := m.GetOrCreateLocation(ctx, testAddr("100 Congress Avenue"))
	if _, err := m.MergeLocations(ctx, src.LocationID, canonLoc.ID, ""); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// a report aimed at the absorbed address lands on the canonical location
	rep, _, err := m.CreateReport(ctx, model.ReportIn{
		URL: "https://t.example/b", Address: testAddr("100 Congress Ave"),
	})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if rep.LocationID != canonLoc.ID {
		t.Fatalf("report landed on %d, want canonical %d", rep.LocationID, canonLoc.ID)
	}

	// ordering against the absorbed id closes reports on the canonical one
	_, closed, err := m.PlaceOrder(ctx, src.LocationID, model.OrderIn{Quantity: 5, Cost: decimal.Zero})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if closed != 2 {
		t.Fatalf("expected both reports closed, got %d", closed)
	}
}

func TestWebhookDeliveryQueue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.EnqueueWebhook(ctx, "", "location.new", "https://hooks.example/x", "s3cret", []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil || len(due) != 1 || due[0].ID != id {
		t.Fatalf("fetch due: %+v err=%v", due, err)
	}

	next := time.Now().Add(time.Hour)
	if err := m.MarkWebhookDelivery(ctx, id, false, &next, "boom", 500, 12); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 0 {
		t.Fatal("future retry must not be due")
	}

	if err := m.RetryWebhookDelivery(ctx, id); err != nil {
		t.Fatalf("manual retry: %v", err)
	}
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 {
		t.Fatal("manual retry must make the delivery due again")
	}

	if err := m.MarkWebhookDelivery(ctx, id, true, nil, "", 200, 8); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	items, _, _ := m.ListWebhookDeliveries(ctx, "delivered", "", 0)
	if len(items) != 1 {
		t.Fatalf("delivered listing: %+v", items)
	}
	if err := m.RetryWebhookDelivery(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retry unknown: %v", err)
	}
}
