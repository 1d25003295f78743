package recon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/provgate/provgate/pkg/connectors"
	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/telemetry"
)

type memStore struct {
	mu            sync.Mutex
	jobs          map[string]*Job
	discrepancies map[string][]*Discrepancy
}

func newMemStore() *memStore {
	return &memStore{
		jobs:          make(map[string]*Job),
		discrepancies: make(map[string][]*Discrepancy),
	}
}

func (m *memStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) UpdateJob(_ context.Context, job *Job) error {
	return m.CreateJob(context.Background(), job)
}

func (m *memStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) LastFinishedJob(_ context.Context, target string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *Job
	for _, job := range m.jobs {
		if job.Target != target || job.Status != JobFinished {
			continue
		}
		if last == nil || job.StartedAt.After(last.StartedAt) {
			last = job
		}
	}
	return last, nil
}

func (m *memStore) CreateDiscrepancy(_ context.Context, d *Discrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discrepancies[d.JobID] = append(m.discrepancies[d.JobID], d)
	return nil
}

func (m *memStore) ListDiscrepancies(_ context.Context, jobID string) ([]*Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Discrepancy(nil), m.discrepancies[jobID]...), nil
}

type memSnapshots struct {
	snaps []*engine.Snapshot
}

func (m *memSnapshots) ListSnapshots(_ context.Context, target string, updatedSince time.Time) ([]*engine.Snapshot, error) {
	var out []*engine.Snapshot
	for _, s := range m.snaps {
		if s.Target == target && s.UpdatedAt.After(updatedSince) {
			out = append(out, s)
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, snaps []*engine.Snapshot, conn *connectors.Memory) (*Engine, *memStore) {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	registry := connectors.NewRegistry()
	if err := registry.Register("ldap", conn); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := newMemStore()
	return NewEngine(store, &memSnapshots{snaps: snaps}, registry, nil, nil, logger), store
}

func snap(key string, attrs engine.Attributes, active bool) *engine.Snapshot {
	return &engine.Snapshot{
		IdentityKey: key,
		Target:      "ldap",
		Attributes:  attrs,
		Active:      active,
		UpdatedAt:   time.Now().UTC(),
	}
}

func kinds(ds []*Discrepancy) map[DiscrepancyKind]int {
	out := make(map[DiscrepancyKind]int)
	for _, d := range ds {
		out[d.Kind]++
	}
	return out
}

func TestRunDetectsMissingInTarget(t *testing.T) {
	conn := connectors.NewMemory("ldap")
	eng, _ := newTestEngine(t, []*engine.Snapshot{
		snap("E100", engine.Attributes{"cn": "ana"}, true),
	}, conn)

	job, err := eng.Run(context.Background(), "ldap", ModeFull)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.Status != JobFinished || job.Checked != 1 || job.Found != 1 {
		t.Fatalf("job = %+v", job)
	}

	ds, _ := eng.Discrepancies(context.Background(), job.ID)
	if len(ds) != 1 || ds[0].Kind != MissingInTarget || ds[0].Action != ActionRecreate {
		t.Fatalf("discrepancies = %+v", ds)
	}
}

func TestRunDetectsOrphanInTarget(t *testing.T) {
	conn := connectors.NewMemory("ldap")
	conn.Seed("GHOST", engine.Attributes{"cn": "ghost"}, true)
	conn.Seed("E100", engine.Attributes{"cn": "ana"}, true)

	eng, _ := newTestEngine(t, []*engine.Snapshot{
		snap("E100", engine.Attributes{"cn": "ana"}, true),
	}, conn)

	job, err := eng.Run(context.Background(), "ldap", ModeFull)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	ds, _ := eng.Discrepancies(context.Background(), job.ID)
	got := kinds(ds)
	if got[OrphanInTarget] != 1 || len(ds) != 1 {
		t.Fatalf("discrepancies = %+v", ds)
	}
	if ds[0].IdentityKey != "GHOST" || ds[0].Action != ActionDeprovision {
		t.Fatalf("orphan = %+v", ds[0])
	}
}

func TestRunDetectsAttributeDrift(t *testing.T) {
	conn := connectors.NewMemory("ldap")
	conn.Seed("E100", engine.Attributes{"cn": "ana", "mail": "old@corp"}, true)

	eng, _ := newTestEngine(t, []*engine.Snapshot{
		snap("E100", engine.Attributes{"cn": "ana", "mail": "new@corp"}, true),
	}, conn)

	job, err := eng.Run(context.Background(), "ldap", ModeFull)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	ds, _ := eng.Discrepancies(context.Background(), job.ID)
	if len(ds) != 1 {
		t.Fatalf("discrepancies = %+v", ds)
	}
	d := ds[0]
	if d.Kind != AttributeDrift || d.Attribute != "mail" || d.Expected != "new@corp" || d.Observed != "old@corp" {
		t.Fatalf("drift = %+v", d)
	}
	if d.Action != ActionReapply {
		t.Fatalf("action = %q", d.Action)
	}
}

func TestRunInactiveSnapshotWithAccountIsOrphan(t *testing.T) {
	conn := connectors.NewMemory("ldap")
	conn.Seed("E100", engine.Attributes{}, false)

	eng, _ := newTestEngine(t, []*engine.Snapshot{
		snap("E100", engine.Attributes{}, false),
	}, conn)

	job, err := eng.Run(context.Background(), "ldap", ModeFull)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	ds, _ := eng.Discrepancies(context.Background(), job.ID)
	got := kinds(ds)
	if got[OrphanInTarget] == 0 {
		t.Fatalf("discrepancies = %+v", ds)
	}
}

func TestRunIncrementalSkipsOldSnapshots(t *testing.T) {
	conn := connectors.NewMemory("ldap")
	old := snap("E-OLD", engine.Attributes{}, true)
	old.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	fresh := snap("E-NEW", engine.Attributes{}, true)

	eng, store := newTestEngine(t, []*engine.Snapshot{old, fresh}, conn)

	// A prior finished job anchors the incremental window.
	prior := &Job{ID: "prev", Target: "ldap", Mode: ModeFull, Status: JobFinished,
		StartedAt: time.Now().UTC().Add(-time.Hour)}
	if err := store.CreateJob(context.Background(), prior); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	job, err := eng.Run(context.Background(), "ldap", ModeIncremental)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.Checked != 1 {
		t.Fatalf("checked = %d, want 1", job.Checked)
	}

	ds, _ := eng.Discrepancies(context.Background(), job.ID)
	if len(ds) != 1 || ds[0].IdentityKey != "E-NEW" {
		t.Fatalf("discrepancies = %+v", ds)
	}
}

func TestRunCleanTargetFindsNothing(t *testing.T) {
	conn := connectors.NewMemory("ldap")
	conn.Seed("E100", engine.Attributes{"cn": "ana"}, true)

	eng, _ := newTestEngine(t, []*engine.Snapshot{
		snap("E100", engine.Attributes{"cn": "ana"}, true),
	}, conn)

	job, err := eng.Run(context.Background(), "ldap", ModeFull)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.Found != 0 {
		ds, _ := eng.Discrepancies(context.Background(), job.ID)
		t.Fatalf("found %d discrepancies on a clean target: %+v", job.Found, ds)
	}
}

func TestRunUnknownTarget(t *testing.T) {
	conn := connectors.NewMemory("ldap")
	eng, _ := newTestEngine(t, nil, conn)

	_, err := eng.Run(context.Background(), "nope", ModeFull)
	var e *engine.Error
	if !errors.As(err, &e) || e.Code != engine.CodeUnknownTarget {
		t.Fatalf("error = %v", err)
	}
}
