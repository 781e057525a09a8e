package store

import (
	"context"
	"testing"
	"time"

	"github.com/peterwidmer/ProtonFlow/flow"
)

func newTestSQLite(t *testing.T) (*SQLiteProcessStore, *SQLiteInstanceStore, *SQLiteJobStore, *SQLiteRecordStore) {
	t.Helper()
	processes, instances, jobs, records, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = processes.Close() })
	return processes, instances, jobs, records
}

func TestSQLiteProcessStoreSaveAndVersioning(t *testing.T) {
	processes, _, _, _ := newTestSQLite(t)
	ctx := context.Background()

	v1, err := processes.Save(ctx, mustParse(t, "", sampleXML))
	if err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("Version = %d, want 1", v1.Version)
	}

	v2, err := processes.Save(ctx, mustParse(t, "", sampleXMLv2))
	if err != nil {
		t.Fatalf("Save v2: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("Version = %d, want 2", v2.Version)
	}

	latest, err := processes.GetByKey(ctx, "sample")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("GetByKey returned version %d, want 2", latest.Version)
	}

	byID, err := processes.GetByID(ctx, v1.ID)
	if err != nil {
		t.Fatalf("GetByID(v1): %v", err)
	}
	if byID.Version != 1 {
		t.Errorf("GetByID(v1).Version = %d, want 1", byID.Version)
	}
}

func TestSQLiteProcessStoreSaveNoOpOnIdenticalContent(t *testing.T) {
	processes, _, _, _ := newTestSQLite(t)
	ctx := context.Background()

	v1, err := processes.Save(ctx, mustParse(t, "", sampleXML))
	if err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	v2, err := processes.Save(ctx, mustParse(t, "", sampleXML))
	if err != nil {
		t.Fatalf("Save v1-again: %v", err)
	}
	if v2.Version != v1.Version || v2.ID != v1.ID {
		t.Errorf("re-saving identical source created a new row: %+v vs %+v", v1, v2)
	}
}

func TestSQLiteProcessStoreGetByKeyNotFound(t *testing.T) {
	processes, _, _, _ := newTestSQLite(t)
	if _, err := processes.GetByKey(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("GetByKey(missing) = %v, want ErrNotFound", err)
	}
}

func TestSQLiteInstanceStoreSaveAndOptimisticConcurrency(t *testing.T) {
	processes, instances, _, _ := newTestSQLite(t)
	ctx := context.Background()

	def, err := processes.Save(ctx, mustParse(t, "", sampleXML))
	if err != nil {
		t.Fatalf("Save definition: %v", err)
	}

	inst := &flow.Instance{
		ID:                  "inst-1",
		ProcessDefinitionID: def.ID,
		ProcessKey:          def.Key,
		Variables:           map[string]any{"amount": 10},
		ActiveTokens:        map[string]struct{}{"start": {}},
		ParallelJoinWaits:   map[string]int{},
		Status:              flow.StatusRunning,
	}
	if err := instances.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if inst.ConcurrencyToken == "" {
		t.Fatal("expected Save to assign a concurrency token")
	}

	loaded, err := instances.GetByID(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if loaded.Variables["amount"].(float64) != 10 {
		t.Errorf("Variables[amount] = %v, want 10", loaded.Variables["amount"])
	}
	if _, ok := loaded.ActiveTokens["start"]; !ok {
		t.Errorf("expected active token on start, got %v", loaded.ActiveTokens)
	}

	stale := &flow.Instance{ID: "inst-1", ConcurrencyToken: "wrong-token"}
	if err := instances.Save(ctx, stale); err != flow.ErrConcurrencyConflict {
		t.Errorf("Save with stale token = %v, want ErrConcurrencyConflict", err)
	}

	inst.Variables["amount"] = 20
	if err := instances.Save(ctx, inst); err != nil {
		t.Errorf("Save with the current token should succeed, got %v", err)
	}
}

func TestSQLiteInstanceStoreGetByProcessKey(t *testing.T) {
	processes, instances, _, _ := newTestSQLite(t)
	ctx := context.Background()

	def, err := processes.Save(ctx, mustParse(t, "", sampleXML))
	if err != nil {
		t.Fatalf("Save definition: %v", err)
	}

	for _, id := range []string{"a", "b"} {
		inst := &flow.Instance{
			ID: id, ProcessDefinitionID: def.ID, ProcessKey: def.Key,
			Variables: map[string]any{}, ActiveTokens: map[string]struct{}{}, ParallelJoinWaits: map[string]int{},
			Status: flow.StatusRunning,
		}
		if err := instances.Save(ctx, inst); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	got, err := instances.GetByProcessKey(ctx, def.Key)
	if err != nil {
		t.Fatalf("GetByProcessKey: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(got))
	}
}

func TestSQLiteJobStoreClaimAndComplete(t *testing.T) {
	_, _, jobs, _ := newTestSQLite(t)
	ctx := context.Background()

	if err := jobs.Enqueue(ctx, &Job{ID: "j1", Type: "step", ProcessInstanceID: "inst-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := jobs.ClaimNext(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job == nil || job.ProcessInstanceID != "inst-1" {
		t.Fatalf("expected to claim inst-1's job, got %+v", job)
	}
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", job.Attempt)
	}

	second, err := jobs.ClaimNext(ctx, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if second != nil {
		t.Errorf("expected the job to remain locked, got %+v", second)
	}

	if err := jobs.Complete(ctx, job.ID, "worker-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	third, err := jobs.ClaimNext(ctx, "worker-3", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext after complete: %v", err)
	}
	if third != nil {
		t.Errorf("expected nothing left to claim, got %+v", third)
	}
}

func TestSQLiteJobStoreClaimNextReturnsNilWhenEmpty(t *testing.T) {
	_, _, jobs, _ := newTestSQLite(t)
	job, err := jobs.ClaimNext(context.Background(), "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job != nil {
		t.Errorf("expected no job, got %+v", job)
	}
}

func TestSQLiteRecordStoreAppendAndListByInstance(t *testing.T) {
	_, _, _, records := newTestSQLite(t)

	start := time.Now()
	end := start.Add(5 * time.Millisecond)
	durationMs := int64(5)

	first := flow.StepExecutionRecord{
		InstanceID: "inst-1", Sequence: 1, ElementID: "t1", ElementType: "ServiceTask",
		StartUtc: start, EndUtc: &end, DurationMs: &durationMs, Status: "completed",
	}
	second := flow.StepExecutionRecord{
		InstanceID: "inst-1", Sequence: 2, ElementID: "t2", ElementType: "ServiceTask",
		StartUtc: start, Status: "failed", Error: "boom",
	}
	if err := records.Append(first); err != nil {
		t.Fatalf("Append first: %v", err)
	}
	if err := records.Append(second); err != nil {
		t.Fatalf("Append second: %v", err)
	}

	got, err := records.ListByInstance("inst-1")
	if err != nil {
		t.Fatalf("ListByInstance: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ElementID != "t1" || got[1].ElementID != "t2" {
		t.Errorf("expected records ordered by sequence, got %+v", got)
	}
	if got[0].DurationMs == nil || *got[0].DurationMs != 5 {
		t.Errorf("DurationMs = %v, want 5", got[0].DurationMs)
	}
	if got[1].Error != "boom" {
		t.Errorf("Error = %q, want boom", got[1].Error)
	}
}

func TestSQLiteRecordStoreListByInstanceEmptyWhenUnknown(t *testing.T) {
	_, _, _, records := newTestSQLite(t)
	got, err := records.ListByInstance("missing")
	if err != nil {
		t.Fatalf("ListByInstance: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no records, got %+v", got)
	}
}
