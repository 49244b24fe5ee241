package web

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/staydesk/staydesk/internal/nlp"
)

func TestJobProgress(t *testing.T) {
	jm := NewJobManager()
	job := jm.Create(4)

	job.Add(nlp.Result{MessageID: "a"}, nlp.Result{MessageID: "b", Escalate: true})
	data := job.ToJSON()
	if data["progress"] != 50 || data["processed"] != 2 || data["escalated"] != 1 {
		t.Errorf("job = %v", data)
	}
	if _, ok := data["results"]; ok {
		t.Error("results exposed while running")
	}
	if jm.Active() != 1 {
		t.Errorf("Active() = %d, want 1", jm.Active())
	}

	job.Complete()
	data = job.ToJSON()
	if data["status"] != JobStatusCompleted || data["progress"] != 100 {
		t.Errorf("job = %v", data)
	}
	stats, ok := data["stats"].(nlp.Stats)
	if !ok || stats.TotalEmails != 2 || stats.EscalationCount != 1 {
		t.Errorf("stats = %+v", data["stats"])
	}
	if jm.Active() != 0 {
		t.Errorf("Active() = %d, want 0", jm.Active())
	}
}

func TestJobCancelKeepsResults(t *testing.T) {
	job := NewJobManager().Create(3)
	job.Add(nlp.Result{MessageID: "a"})
	job.Cancel()
	job.Complete()

	if !job.IsCancelled() {
		t.Error("Complete() overrode a cancellation")
	}
	data := job.ToJSON()
	if results, _ := data["results"].([]nlp.Result); len(results) != 1 {
		t.Errorf("results = %v, want 1 kept", data["results"])
	}
}

func TestJobManagerCleanup(t *testing.T) {
	jm := NewJobManager()
	done := jm.Create(1)
	done.Complete()
	running := jm.Create(1)

	jm.Cleanup(-time.Second)

	if jm.Get(done.ID) != nil {
		t.Error("finished job not cleaned up")
	}
	if jm.Get(running.ID) == nil {
		t.Error("running job removed")
	}
}

func TestJobManagerCreateIfBelow(t *testing.T) {
	jm := NewJobManager()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := jm.CreateIfBelow(1, 2); ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 2 {
		t.Errorf("created %d jobs, want 2", got)
	}
	if jm.Active() != 2 {
		t.Errorf("Active() = %d, want 2", jm.Active())
	}

	for _, id := range jobIDs(jm) {
		jm.Get(id).Complete()
	}
	if _, ok := jm.CreateIfBelow(1, 2); !ok {
		t.Error("CreateIfBelow() refused after jobs finished")
	}
}

func jobIDs(jm *JobManager) []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]string, 0, len(jm.jobs))
	for id := range jm.jobs {
		ids = append(ids, id)
	}
	return ids
}
