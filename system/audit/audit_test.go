package audit

import (
	"context"
	"testing"
	"time"

	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/store/memstore"
)

func TestRecorderRecordAndByCorrelation(t *testing.T) {
	st := memstore.New()
	rec := New(st)
	ctx := context.Background()

	out, err := rec.Record(ctx, store.AgentKindFinance, "bill.paid", "in-hash", "out-hash", "", 0, 12.50, "cid-1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if out.ActionID == "" {
		t.Fatal("expected an action id to be assigned")
	}

	if _, err := rec.Record(ctx, store.AgentKindFinance, "bill.reminder", "", "", "", 0, 0, "cid-2"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	trail, err := rec.ByCorrelation(ctx, "cid-1")
	if err != nil {
		t.Fatalf("ByCorrelation: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != "bill.paid" {
		t.Fatalf("expected one record for cid-1, got %+v", trail)
	}
}

func TestRecorderBackfillActual(t *testing.T) {
	st := memstore.New()
	rec := New(st)
	ctx := context.Background()

	out, err := rec.Record(ctx, store.AgentKindFinance, "transfer.estimate", "", "", "", 0, 10, "cid-3")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := rec.BackfillActual(ctx, out.ActionID, 8.75); err != nil {
		t.Fatalf("BackfillActual: %v", err)
	}

	records, err := st.ListAudit(ctx, 0, 100)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	var found bool
	for _, r := range records {
		if r.ActionID == out.ActionID+"-actual" {
			found = true
			if r.CostActual == nil || *r.CostActual != 8.75 {
				t.Fatalf("expected backfilled actual cost, got %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("expected a cost.actual backfill record")
	}
}

func TestRecorderWindowAggregatesByAgent(t *testing.T) {
	st := memstore.New()
	rec := New(st)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	if _, err := rec.Record(ctx, store.AgentKindFinance, "a", "", "", "", 0, 5, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Record(ctx, store.AgentKindMaintenance, "b", "", "", "", 0, 3, ""); err != nil {
		t.Fatal(err)
	}

	agg, err := rec.Window(ctx, base, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if agg.TotalActions != 2 {
		t.Fatalf("expected 2 actions, got %d", agg.TotalActions)
	}
	if agg.TotalCost != 8 {
		t.Fatalf("expected total cost 8, got %v", agg.TotalCost)
	}
	if agg.ByAgent[store.AgentKindFinance] != 5 || agg.ByAgent[store.AgentKindMaintenance] != 3 {
		t.Fatalf("unexpected per-agent breakdown: %+v", agg.ByAgent)
	}
}
