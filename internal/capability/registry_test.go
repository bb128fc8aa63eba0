package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/example/shopfloor/internal/state"
)

func seedRegistry(t *testing.T) (*Registry, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	ctx := context.Background()
	rows := []state.CapabilityRecord{
		{MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", MaxQtyPerBatch: 50},
		{MachineID: "cutter-1", Process: "cut", MaterialCode: "15M", MaxQtyPerBatch: 30, MaxLength: 12},
		{MachineID: "bender-1", Process: "bend", MaterialCode: "10M", MaxQtyPerBatch: 40},
	}
	for _, row := range rows {
		if err := store.UpsertCapability(ctx, row); err != nil {
			t.Fatalf("seed capability: %v", err)
		}
	}
	return NewRegistry(store), store
}

func TestValidate(t *testing.T) {
	r, _ := seedRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		machine string
		process string
		mat     string
		qty     int
		length  float64
		reason  string
	}{
		{"within limits", "cutter-1", "cut", "10M", 40, 0, ""},
		{"at max", "cutter-1", "cut", "10M", 50, 0, ""},
		{"qty over max", "cutter-1", "cut", "10M", 60, 0, ReasonQtyExceedsMax},
		{"no row for process", "cutter-1", "bend", "10M", 10, 0, ReasonNoMatch},
		{"no row for machine", "loader-9", "cut", "10M", 10, 0, ReasonNoMatch},
		{"length over max", "cutter-1", "cut", "15M", 10, 14.5, ReasonLengthExceedsMax},
		{"length within max", "cutter-1", "cut", "15M", 10, 11.5, ""},
		{"zero length skips bound", "cutter-1", "cut", "15M", 10, 0, ""},
	}
	for _, c := range cases {
		err := r.Validate(ctx, c.machine, c.process, c.mat, c.qty, c.length)
		if c.reason == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", c.name, err)
			}
			continue
		}
		var v *Violation
		if !errors.As(err, &v) {
			t.Fatalf("%s: expected Violation, got %v", c.name, err)
		}
		if v.Reason != c.reason {
			t.Fatalf("%s: reason=%q want %q", c.name, v.Reason, c.reason)
		}
		if v.Code() != "capability_violation" {
			t.Fatalf("%s: code=%q", c.name, v.Code())
		}
	}
}

func TestMachinesFor(t *testing.T) {
	r, _ := seedRegistry(t)
	out, err := r.MachinesFor(context.Background(), "cut", "10M")
	if err != nil {
		t.Fatalf("machinesFor: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 machine, got %d", len(out))
	}
	if _, ok := out["cutter-1"]; !ok {
		t.Fatalf("cutter-1 missing from %v", out)
	}
}

func TestSeedFromYAML(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	doc := []byte(`
capabilities:
  - machine_id: cutter-2
    process: cut
    material_code: 20M
    max_quantity_per_batch: 25
    max_length: 9.5
  - machine_id: bender-2
    process: bend
    material_code: 20M
    max_quantity_per_batch: 15
`)
	n, err := SeedFromYAML(ctx, store, doc)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded %d rows, want 2", n)
	}
	cap, ok, err := store.GetCapability(ctx, "cutter-2", "cut", "20M")
	if err != nil || !ok {
		t.Fatalf("lookup after seed: ok=%v err=%v", ok, err)
	}
	if cap.MaxQtyPerBatch != 25 || cap.MaxLength != 9.5 {
		t.Fatalf("row %+v", cap)
	}

	if _, err := SeedFromYAML(ctx, store, []byte("capabilities:\n  - process: cut\n")); err == nil {
		t.Fatalf("expected error for row missing machine_id")
	}
}
