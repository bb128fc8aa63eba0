package capability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/example/shopfloor/internal/state"
	"gopkg.in/yaml.v3"
)

// Violation reasons. These are stable codes surfaced to callers and written
// to the security audit trail; UI layers branch on them.
const (
	ReasonNoMatch          = "no_matching_capability"
	ReasonQtyExceedsMax    = "qty_exceeds_max"
	ReasonLengthExceedsMax = "length_exceeds_max"
)

// Violation is a hard policy failure. It never degrades to a warning: a run
// must not start, and the attempt is recorded as a security event by the
// caller.
type Violation struct {
	MachineID    string
	Process      string
	MaterialCode string
	Reason       string
	Detail       string
}

func (v *Violation) Error() string {
	if v.Detail != "" {
		return fmt.Sprintf("capability violation on %s (%s/%s): %s (%s)", v.MachineID, v.Process, v.MaterialCode, v.Reason, v.Detail)
	}
	return fmt.Sprintf("capability violation on %s (%s/%s): %s", v.MachineID, v.Process, v.MaterialCode, v.Reason)
}

func (v *Violation) Code() string { return "capability_violation" }

// Registry answers what a machine may legally process. Rows are provisioned
// externally (YAML file or administrative tooling) and are read-only from
// the dispatch core's perspective.
type Registry struct {
	store state.Store
}

func NewRegistry(store state.Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) Lookup(ctx context.Context, machineID, process, materialCode string) (state.CapabilityRecord, bool, error) {
	return r.store.GetCapability(ctx, machineID, process, materialCode)
}

// Validate checks (machine, process, material, qty, length) against the
// matching capability row. length <= 0 skips the length bound.
func (r *Registry) Validate(ctx context.Context, machineID, process, materialCode string, qty int, length float64) error {
	cap, ok, err := r.store.GetCapability(ctx, machineID, process, materialCode)
	if err != nil {
		return err
	}
	if !ok {
		return &Violation{MachineID: machineID, Process: process, MaterialCode: materialCode, Reason: ReasonNoMatch}
	}
	if cap.MaxQtyPerBatch > 0 && qty > cap.MaxQtyPerBatch {
		return &Violation{
			MachineID: machineID, Process: process, MaterialCode: materialCode,
			Reason: ReasonQtyExceedsMax,
			Detail: fmt.Sprintf("qty %d exceeds max_quantity_per_batch %d", qty, cap.MaxQtyPerBatch),
		}
	}
	if cap.MaxLength > 0 && length > cap.MaxLength {
		return &Violation{
			MachineID: machineID, Process: process, MaterialCode: materialCode,
			Reason: ReasonLengthExceedsMax,
			Detail: fmt.Sprintf("length %.2f exceeds max_length %.2f", length, cap.MaxLength),
		}
	}
	return nil
}

// MachinesFor lists the machines holding a capability row matching process
// and material, used by the dispatcher's target selection.
func (r *Registry) MachinesFor(ctx context.Context, process, materialCode string) (map[string]state.CapabilityRecord, error) {
	rows, err := r.store.ListCapabilities(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]state.CapabilityRecord, len(rows))
	for _, row := range rows {
		if row.Process == process && row.MaterialCode == materialCode {
			out[row.MachineID] = row
		}
	}
	return out, nil
}

type fileRow struct {
	MachineID      string  `yaml:"machine_id"`
	Process        string  `yaml:"process"`
	MaterialCode   string  `yaml:"material_code"`
	MaxQtyPerBatch int     `yaml:"max_quantity_per_batch"`
	MaxLength      float64 `yaml:"max_length"`
}

type fileConfig struct {
	Capabilities []fileRow `yaml:"capabilities"`
}

// SeedFromEnv loads capability rows from the YAML file named by
// SHOPFLOOR_CAPABILITY_FILE into the store. A missing env var is not an
// error; rows may also arrive through administrative provisioning.
func SeedFromEnv(ctx context.Context, store state.Store) (int, error) {
	path := strings.TrimSpace(os.Getenv("SHOPFLOOR_CAPABILITY_FILE"))
	if path == "" {
		return 0, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read capability file: %w", err)
	}
	return SeedFromYAML(ctx, store, b)
}

func SeedFromYAML(ctx context.Context, store state.Store, b []byte) (int, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return 0, fmt.Errorf("parse capability file: %w", err)
	}
	n := 0
	for _, row := range cfg.Capabilities {
		if strings.TrimSpace(row.MachineID) == "" || strings.TrimSpace(row.Process) == "" || strings.TrimSpace(row.MaterialCode) == "" {
			return n, fmt.Errorf("capability rows require machine_id, process and material_code")
		}
		if err := store.UpsertCapability(ctx, state.CapabilityRecord{
			MachineID:      row.MachineID,
			Process:        row.Process,
			MaterialCode:   row.MaterialCode,
			MaxQtyPerBatch: row.MaxQtyPerBatch,
			MaxLength:      row.MaxLength,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
