package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/audience"
	"dispatchd/internal/provider"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/store"
	logx "dispatchd/pkg/logx"
)

type fixture struct {
	svc   *Service
	store store.Store
	stub  *provider.Stub
	sup   *supervisor.Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	stub := provider.NewStub()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	svc := New(Config{LeaseTTL: time.Minute}, st, audience.New(st), provider.Registry{
		store.ChannelChat:  stub,
		store.ChannelEmail: stub,
	}, sup, logx.Nop())
	return &fixture{svc: svc, store: st, stub: stub, sup: sup}
}

// seedRunning writes a running job with n chat recipients straight into the
// store, bypassing creation-time activation so tests control every pass.
func (f *fixture) seedRunning(t *testing.T, id string, n int) {
	t.Helper()
	job := &store.Job{
		ID:              id,
		Channel:         store.ChannelChat,
		Selector:        "ops",
		Body:            "hello {{.Label}}",
		TotalCandidates: n,
		ValidCandidates: n,
		Status:          store.StatusRunning,
	}
	snapshot := make([]store.JobRecipient, 0, n)
	for i := 0; i < n; i++ {
		snapshot = append(snapshot, store.JobRecipient{
			Position:    i,
			RecipientID: fmt.Sprintf("r%d", i+1),
			Label:       fmt.Sprintf("user-%d", i+1),
			ChatID:      int64(100 + i),
		})
	}
	if err := f.store.CreateJob(context.Background(), job, snapshot); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) job(t *testing.T, id string) *store.Job {
	t.Helper()
	j, err := f.store.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("Job(%s): %v", id, err)
	}
	return j
}

// hookAdapter wraps an adapter and runs callbacks around every attempt.
type hookAdapter struct {
	inner provider.Adapter

	mu     sync.Mutex
	n      int
	before func(attempt int)
	after  func(attempt int)
}

func (h *hookAdapter) Send(ctx context.Context, msg provider.Message) (string, error) {
	h.mu.Lock()
	h.n++
	n := h.n
	before, after := h.before, h.after
	h.mu.Unlock()
	if before != nil {
		before(n)
	}
	ref, err := h.inner.Send(ctx, msg)
	if after != nil {
		after(n)
	}
	return ref, err
}

// Scenario A: one uninterrupted pass over 10 recipients completes with 10/0.
func TestProcessUninterrupted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRunning(t, "job-a", 10)

	if err := f.svc.Process(context.Background(), "job-a"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	j := f.job(t, "job-a")
	if j.Status != store.StatusCompleted || j.SentCount != 10 || j.FailedCount != 0 {
		t.Fatalf("job = %s %d/%d, want completed 10/0", j.Status, j.SentCount, j.FailedCount)
	}
	if j.CompletedAt.IsZero() {
		t.Fatal("CompletedAt not stamped")
	}
	if j.CurrentRecipient != "user-10" {
		t.Fatalf("CurrentRecipient = %q", j.CurrentRecipient)
	}
	if got := f.stub.Sent(); len(got) != 10 {
		t.Fatalf("stub saw %d sends", len(got))
	}
}

// Scenario B: failures for two recipients are recorded and never abort the
// pass; the job still completes.
func TestProcessPartialFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRunning(t, "job-b", 10)
	f.stub.FailFor("r3", "mailbox full")
	f.stub.FailFor("r7", "blocked the bot")

	if err := f.svc.Process(context.Background(), "job-b"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	j := f.job(t, "job-b")
	if j.Status != store.StatusCompleted || j.SentCount != 8 || j.FailedCount != 2 {
		t.Fatalf("job = %s %d/%d, want completed 8/2", j.Status, j.SentCount, j.FailedCount)
	}
	log, err := f.store.ErrorLog(context.Background(), "job-b")
	if err != nil {
		t.Fatalf("ErrorLog: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("error log has %d entries, want 2", len(log))
	}
	if log[0].RecipientID != "r3" || log[1].RecipientID != "r7" {
		t.Fatalf("unexpected error log: %+v", log)
	}
	if log[0].Reason != "mailbox full" || log[0].At.IsZero() {
		t.Fatalf("malformed entry: %+v", log[0])
	}
}

// Scenario C: a pause lands after the 4th send; the pass stops within one
// send-cycle, and the resumed job finishes the rest without re-sending.
func TestProcessPauseAndResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRunning(t, "job-c", 10)

	ctx := context.Background()
	hook := &hookAdapter{inner: f.stub}
	hook.after = func(attempt int) {
		if attempt == 4 {
			if ok, err := f.store.CompareAndSetStatus(ctx, "job-c", store.StatusRunning, store.StatusPaused); err != nil || !ok {
				t.Errorf("pause mid-loop: ok=%v err=%v", ok, err)
			}
		}
	}
	f.svc.providers = provider.Registry{store.ChannelChat: hook}

	if err := f.svc.Process(ctx, "job-c"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	j := f.job(t, "job-c")
	if j.Status != store.StatusPaused || j.SentCount != 4 {
		t.Fatalf("after pause: %s %d sent, want paused 4", j.Status, j.SentCount)
	}

	// Resume and run the continuation pass the next tick would start.
	if ok, _ := f.store.CompareAndSetStatus(ctx, "job-c", store.StatusPaused, store.StatusRunning); !ok {
		t.Fatal("resume CAS failed")
	}
	hook.after = nil
	if err := f.svc.Process(ctx, "job-c"); err != nil {
		t.Fatalf("Process after resume: %v", err)
	}

	j = f.job(t, "job-c")
	if j.Status != store.StatusCompleted || j.SentCount != 10 || j.FailedCount != 0 {
		t.Fatalf("after resume: %s %d/%d, want completed 10/0", j.Status, j.SentCount, j.FailedCount)
	}
	if got := f.stub.Sent(); len(got) != 10 {
		t.Fatalf("stub saw %d sends, want 10 (no re-sends)", len(got))
	}
}

// A pause that lands while the pass is waiting out the pacing interval is
// observed when the wait ends; no further send slips out.
func TestProcessPauseDuringIntervalWait(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx := context.Background()
	job := &store.Job{
		ID:              "job-paced",
		Channel:         store.ChannelChat,
		Selector:        "ops",
		Body:            "hello {{.Label}}",
		IntervalSeconds: 1,
		TotalCandidates: 2,
		ValidCandidates: 2,
		Status:          store.StatusRunning,
	}
	snapshot := []store.JobRecipient{
		{Position: 0, RecipientID: "r1", Label: "user-1", ChatID: 101},
		{Position: 1, RecipientID: "r2", Label: "user-2", ChatID: 102},
	}
	if err := f.store.CreateJob(ctx, job, snapshot); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The pause arrives during send 1, long before the interval to send 2
	// has elapsed.
	hook := &hookAdapter{inner: f.stub}
	hook.after = func(attempt int) {
		if attempt == 1 {
			if _, err := f.svc.Apply(ctx, "job-paced", CommandPause); err != nil {
				t.Errorf("pause: %v", err)
			}
		}
	}
	f.svc.providers = provider.Registry{store.ChannelChat: hook}

	if err := f.svc.Process(ctx, "job-paced"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	j := f.job(t, "job-paced")
	if j.Status != store.StatusPaused || j.SentCount != 1 {
		t.Fatalf("job = %s %d sent, want paused 1", j.Status, j.SentCount)
	}
	if got := f.stub.Sent(); len(got) != 1 {
		t.Fatalf("stub saw %d sends, want 1", len(got))
	}
}

// Scenario D: cancel after 2 sends is terminal; later ticks are no-ops.
func TestProcessCancelIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRunning(t, "job-d", 10)

	ctx := context.Background()
	hook := &hookAdapter{inner: f.stub}
	// The cancel lands while send 3 is in flight: that send is allowed to
	// finish, but its outcome is dropped and the loop stops.
	hook.before = func(attempt int) {
		if attempt == 3 {
			if _, err := f.svc.Apply(ctx, "job-d", CommandCancel); err != nil {
				t.Errorf("cancel mid-loop: %v", err)
			}
		}
	}
	f.svc.providers = provider.Registry{store.ChannelChat: hook}

	if err := f.svc.Process(ctx, "job-d"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	j := f.job(t, "job-d")
	if j.Status != store.StatusCancelled || j.SentCount != 2 {
		t.Fatalf("after cancel: %s %d sent, want cancelled 2", j.Status, j.SentCount)
	}

	// Subsequent ticks and passes must not move the job.
	if _, err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if err := f.svc.Process(ctx, "job-d"); err != nil {
		t.Fatalf("Process on cancelled: %v", err)
	}
	j = f.job(t, "job-d")
	if j.Status != store.StatusCancelled || j.SentCount != 2 || j.FailedCount != 0 {
		t.Fatalf("cancelled job moved: %s %d/%d", j.Status, j.SentCount, j.FailedCount)
	}
}

// Interrupted passes resume from the snapshot: killing the pass after k
// sends, repeatedly, ends with the same outcome as one uninterrupted pass.
func TestProcessResumptionAcrossInterruptedPasses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRunning(t, "job-resume", 9)
	f.stub.FailFor("r5", "rejected")

	for pass := 0; pass < 10; pass++ {
		j := f.job(t, "job-resume")
		if j.Status == store.StatusCompleted {
			break
		}

		ctx, cancel := context.WithCancel(context.Background())
		hook := &hookAdapter{inner: f.stub}
		hook.after = func(attempt int) {
			if attempt%2 == 0 {
				cancel() // kill the pass every 2 attempts
			}
		}
		f.svc.providers = provider.Registry{store.ChannelChat: hook}
		_ = f.svc.Process(ctx, "job-resume") // interrupted passes may error
		cancel()
	}

	j := f.job(t, "job-resume")
	if j.Status != store.StatusCompleted || j.SentCount != 8 || j.FailedCount != 1 {
		t.Fatalf("final = %s %d/%d, want completed 8/1", j.Status, j.SentCount, j.FailedCount)
	}
	// Each recipient delivered exactly once.
	seen := map[string]int{}
	for _, id := range f.stub.Sent() {
		seen[id]++
	}
	if len(seen) != 8 {
		t.Fatalf("delivered to %d distinct recipients, want 8", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("recipient %s delivered %d times", id, n)
		}
	}
}

// A pass that cannot claim the lease sends nothing.
func TestProcessRespectsForeignLease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRunning(t, "job-leased", 3)

	ctx := context.Background()
	if ok, err := f.store.AcquireLease(ctx, "job-leased", "another-pass", time.Minute); err != nil || !ok {
		t.Fatalf("foreign lease: ok=%v err=%v", ok, err)
	}

	if err := f.svc.Process(ctx, "job-leased"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	j := f.job(t, "job-leased")
	if j.SentCount != 0 || j.FailedCount != 0 || j.Status != store.StatusRunning {
		t.Fatalf("leased job was processed: %+v", j)
	}
	if len(f.stub.Sent()) != 0 {
		t.Fatal("stub saw sends despite foreign lease")
	}
}

// The lease is released when the pass ends, so the next tick can claim it.
func TestProcessReleasesLease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRunning(t, "job-release", 2)

	ctx := context.Background()
	if err := f.svc.Process(ctx, "job-release"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ok, err := f.store.AcquireLease(ctx, "job-release", "next-tick", time.Minute); err != nil || !ok {
		t.Fatalf("lease not released: ok=%v err=%v", ok, err)
	}
}

// Adapter panics become per-recipient failures, never a dead pass.
func TestProcessConvertsAdapterPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRunning(t, "job-panic", 3)
	f.stub.PanicFor("r2")

	if err := f.svc.Process(context.Background(), "job-panic"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	j := f.job(t, "job-panic")
	if j.Status != store.StatusCompleted || j.SentCount != 2 || j.FailedCount != 1 {
		t.Fatalf("job = %s %d/%d, want completed 2/1", j.Status, j.SentCount, j.FailedCount)
	}
	log, _ := f.store.ErrorLog(context.Background(), "job-panic")
	if len(log) != 1 || log[0].RecipientID != "r2" {
		t.Fatalf("unexpected error log: %+v", log)
	}
}

// Per-recipient render errors count as recipient-level failures.
func TestProcessRenderFailureIsRecipientFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	job := &store.Job{
		ID:              "job-render",
		Channel:         store.ChannelChat,
		Selector:        "ops",
		Body:            "plan: {{.Vars.plan}}",
		TotalCandidates: 2,
		ValidCandidates: 2,
		Status:          store.StatusRunning,
	}
	snapshot := []store.JobRecipient{
		{Position: 0, RecipientID: "r1", Label: "a", ChatID: 1, Vars: map[string]string{"plan": "pro"}},
		{Position: 1, RecipientID: "r2", Label: "b", ChatID: 2}, // no plan var
	}
	if err := f.store.CreateJob(context.Background(), job, snapshot); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.svc.Process(context.Background(), "job-render"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	j := f.job(t, "job-render")
	if j.Status != store.StatusCompleted || j.SentCount != 1 || j.FailedCount != 1 {
		t.Fatalf("job = %s %d/%d, want completed 1/1", j.Status, j.SentCount, j.FailedCount)
	}
}

func TestProcessNoopUnlessRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, status := range []store.Status{store.StatusPending, store.StatusPaused, store.StatusCancelled, store.StatusCompleted} {
		id := "job-" + string(status)
		job := &store.Job{ID: id, Channel: store.ChannelChat, Selector: "ops", Body: "x", ValidCandidates: 1, TotalCandidates: 1, Status: status}
		snap := []store.JobRecipient{{Position: 0, RecipientID: "r1", ChatID: 1}}
		if err := f.store.CreateJob(context.Background(), job, snap); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if err := f.svc.Process(context.Background(), id); err != nil {
			t.Fatalf("Process(%s): %v", status, err)
		}
		if j := f.job(t, id); j.SentCount != 0 {
			t.Fatalf("%s job was processed", status)
		}
	}
	if len(f.stub.Sent()) != 0 {
		t.Fatal("stub saw sends")
	}
}
