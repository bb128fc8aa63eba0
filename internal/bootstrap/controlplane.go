package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/shopfloor/internal/audit"
	"github.com/example/shopfloor/internal/capability"
	"github.com/example/shopfloor/internal/dispatch"
	"github.com/example/shopfloor/internal/state"
	"github.com/example/shopfloor/internal/transition"
	"github.com/example/shopfloor/internal/workflow"
)

// Core bundles the wired dispatch core for the service main.
type Core struct {
	Store     state.Store
	Engine    *dispatch.Engine
	Workflows *workflow.Engine
	Sink      *audit.Sink
	Archiver  *audit.Archiver
}

// NewCoreFromEnv selects the store, loads reference data and wires the
// engines. SHOPFLOOR_STORE=memory|postgres.
func NewCoreFromEnv() (*Core, error) {
	store, err := newStore(getenv("SHOPFLOOR_STORE", "memory"))
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	if n, err := capability.SeedFromEnv(ctx, store); err != nil {
		return nil, err
	} else if n > 0 {
		log.Printf("seeded %d capability rows", n)
	}
	if err := seedMachinesFromEnv(ctx, store); err != nil {
		return nil, err
	}

	pipeline, err := transition.LoadPipelineGraphFromEnv()
	if err != nil {
		return nil, err
	}
	graphs := transition.NewRegistry(
		transition.MachineRunGraph(),
		transition.DeliveryStatusGraph(),
		pipeline,
	)

	sink := audit.NewSink(store, getenvInt("SHOPFLOOR_LOG_BUFFER", 256))
	caps := capability.NewRegistry(store)

	archiver, err := audit.NewArchiverFromEnv(store)
	if err != nil {
		return nil, err
	}

	return &Core{
		Store:     store,
		Engine:    dispatch.NewEngine(store, caps, sink),
		Workflows: workflow.NewEngine(store, graphs, sink),
		Sink:      sink,
		Archiver:  archiver,
	}, nil
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("SHOPFLOOR_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("SHOPFLOOR_POSTGRES_DSN is required when SHOPFLOOR_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported SHOPFLOOR_STORE value %q", kind)
	}
}

type seedMachine struct {
	ID        string `yaml:"id"`
	Tenant    string `yaml:"tenant"`
	Warehouse string `yaml:"warehouse"`
	Type      string `yaml:"type"`
}

type seedFile struct {
	Machines []seedMachine `yaml:"machines"`
}

// seedMachinesFromEnv provisions machines from the YAML file named by
// SHOPFLOOR_MACHINE_FILE. Machines already present keep their state.
func seedMachinesFromEnv(ctx context.Context, store state.Store) error {
	path := strings.TrimSpace(os.Getenv("SHOPFLOOR_MACHINE_FILE"))
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read machine file: %w", err)
	}
	var cfg seedFile
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return fmt.Errorf("parse machine file: %w", err)
	}
	n := 0
	for _, m := range cfg.Machines {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("machine rows require id")
		}
		if _, ok, err := store.GetMachine(ctx, m.ID); err != nil {
			return err
		} else if ok {
			continue
		}
		machineType := m.Type
		if machineType == "" {
			machineType = "other"
		}
		if err := store.CreateMachine(ctx, state.MachineRecord{
			ID:        m.ID,
			Tenant:    m.Tenant,
			Warehouse: m.Warehouse,
			Type:      machineType,
			Status:    state.MachineIdle,
		}); err != nil {
			return err
		}
		n++
	}
	if n > 0 {
		log.Printf("seeded %d machines", n)
	}
	return nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
