package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/audience"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/provider"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/store"
	logx "dispatchd/pkg/logx"
)

type fixture struct {
	ts    *httptest.Server
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
	svc := dispatch.New(dispatch.Config{LeaseTTL: time.Minute}, st, audience.New(st), provider.Registry{
		store.ChannelChat:  stub,
		store.ChannelEmail: stub,
	}, sup, logx.Nop())
	srv := New(svc, st, logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: st, stub: stub, sup: sup}
}

func (f *fixture) seedSegment(t *testing.T, name string, n int) {
	t.Helper()
	members := make([]store.Recipient, 0, n)
	for i := 1; i <= n; i++ {
		members = append(members, store.Recipient{
			ID:     "user-" + string(rune('0'+i)),
			Label:  "User " + string(rune('0'+i)),
			ChatID: int64(100 + i),
		})
	}
	if err := f.store.ReplaceSegment(context.Background(), name, members); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// waitStatus polls until the job reaches want or the deadline passes.
func (f *fixture) waitStatus(t *testing.T, id string, want store.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.store.Job(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSegment(t, "ops", 3)

	code, body := f.do(t, http.MethodPost, "/v1/jobs",
		`{"channel":"chat","segment":"ops","body":"hello {{.Label}}"}`)
	if code != http.StatusCreated {
		t.Fatalf("code = %d, body = %v", code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("no job id in %v", body)
	}
	if body["valid_candidates"].(float64) != 3 {
		t.Errorf("valid_candidates = %v", body["valid_candidates"])
	}

	f.waitStatus(t, id, store.StatusCompleted)
	if got := len(f.stub.Sent()); got != 3 {
		t.Errorf("sent = %d, want 3", got)
	}
}

func TestCreateJobErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSegment(t, "ops", 2)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"unknown segment", `{"channel":"chat","segment":"nobody","body":"x"}`, http.StatusNotFound},
		{"empty audience", `{"channel":"email","segment":"ops","body":"x"}`, http.StatusUnprocessableEntity},
		{"bad channel", `{"channel":"fax","segment":"ops","body":"x"}`, http.StatusBadRequest},
		{"bad template", `{"channel":"chat","segment":"ops","body":"{{.Nope"}`, http.StatusBadRequest},
		{"negative interval", `{"channel":"chat","segment":"ops","body":"x","interval_seconds":-1}`, http.StatusBadRequest},
		{"unknown field", `{"channel":"chat","segment":"ops","body":"x","priority":9}`, http.StatusBadRequest},
		{"garbage", `{{{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/v1/jobs", tc.body)
			if code != tc.code {
				t.Errorf("code = %d, want %d (body %v)", code, tc.code, body)
			}
			if body["error"] == "" {
				t.Error("want error message")
			}
		})
	}
}

// brokenStore fails job persistence to exercise the internal-error path.
type brokenStore struct {
	store.Store
}

func (b *brokenStore) CreateJob(ctx context.Context, job *store.Job, snapshot []store.JobRecipient) error {
	return errors.New("disk full")
}

func TestCreateJobStoreFailureIs500(t *testing.T) {
	t.Parallel()
	st := &brokenStore{Store: store.NewMemory()}
	stub := provider.NewStub()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	svc := dispatch.New(dispatch.Config{}, st, audience.New(st), provider.Registry{
		store.ChannelChat: stub,
	}, sup, logx.Nop())
	ts := httptest.NewServer(New(svc, st, logx.Nop()).Handler())
	t.Cleanup(ts.Close)
	f := &fixture{ts: ts, store: st, stub: stub, sup: sup}
	f.seedSegment(t, "ops", 2)

	code, body := f.do(t, http.MethodPost, "/v1/jobs", `{"channel":"chat","segment":"ops","body":"x"}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("code = %d, want 500 (body %v)", code, body)
	}
}

func TestJobCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSegment(t, "ops", 2)

	// Job paced slowly enough that it is still running when we pause it.
	code, body := f.do(t, http.MethodPost, "/v1/jobs",
		`{"channel":"chat","segment":"ops","body":"x","interval_seconds":30}`)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	id := body["id"].(string)

	code, body = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/commands", `{"command":"pause"}`)
	if code != http.StatusOK || body["status"] != "paused" {
		t.Fatalf("pause: %d %v", code, body)
	}

	// Pausing twice is an invalid transition.
	code, _ = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/commands", `{"command":"pause"}`)
	if code != http.StatusConflict {
		t.Errorf("double pause: code = %d, want 409", code)
	}

	code, _ = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/commands", `{"command":"destroy"}`)
	if code != http.StatusBadRequest {
		t.Errorf("unknown command: code = %d, want 400", code)
	}

	code, _ = f.do(t, http.MethodPost, "/v1/jobs/no-such-job/commands", `{"command":"pause"}`)
	if code != http.StatusNotFound {
		t.Errorf("missing job: code = %d, want 404", code)
	}

	code, body = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/commands", `{"command":"cancel"}`)
	if code != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("cancel: %d %v", code, body)
	}
}

func TestJobStatusAndList(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSegment(t, "ops", 3)
	f.stub.FailFor("user-2", "blocked")

	code, body := f.do(t, http.MethodPost, "/v1/jobs", `{"channel":"chat","segment":"ops","body":"x"}`)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	id := body["id"].(string)
	f.waitStatus(t, id, store.StatusCompleted)

	code, body = f.do(t, http.MethodGet, "/v1/jobs/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("status: %d %v", code, body)
	}
	job := body["job"].(map[string]any)
	if job["sent_count"].(float64) != 2 || job["failed_count"].(float64) != 1 {
		t.Errorf("counters = %v/%v", job["sent_count"], job["failed_count"])
	}
	if job["completed_at"] == nil {
		t.Error("completed_at missing")
	}
	errs := body["errors"].([]any)
	if len(errs) != 1 {
		t.Fatalf("errors = %v", errs)
	}
	if e := errs[0].(map[string]any); e["recipient_id"] != "user-2" || e["reason"] != "blocked" {
		t.Errorf("error entry = %v", e)
	}

	code, _ = f.do(t, http.MethodGet, "/v1/jobs/no-such-job", "")
	if code != http.StatusNotFound {
		t.Errorf("missing job: code = %d, want 404", code)
	}

	code, body = f.do(t, http.MethodGet, "/v1/jobs", "")
	if code != http.StatusOK {
		t.Fatalf("list: %d %v", code, body)
	}
	if jobs := body["jobs"].([]any); len(jobs) != 1 {
		t.Errorf("jobs = %v", jobs)
	}
}

func TestManualSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/sweep", "")
	if code != http.StatusOK {
		t.Fatalf("sweep: %d %v", code, body)
	}
	for _, k := range []string{"running", "activated", "resumed", "completed", "pruned"} {
		if _, ok := body[k]; !ok {
			t.Errorf("summary missing %q: %v", k, body)
		}
	}
}

func TestReplaceSegment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(t, http.MethodPut, "/v1/segments/ops",
		`{"members":[{"id":"a","label":"A","chat_id":1},{"id":"b","label":"B","email":"b@example.com"}]}`)
	if code != http.StatusOK {
		t.Fatalf("put: %d %v", code, body)
	}
	if body["members"].(float64) != 2 {
		t.Errorf("members = %v", body["members"])
	}
	got, err := f.store.SegmentMembers(context.Background(), "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].Email != "b@example.com" {
		t.Errorf("stored members = %+v", got)
	}

	code, _ = f.do(t, http.MethodPut, "/v1/segments/ops", `{"members":[{"label":"no id"}]}`)
	if code != http.StatusBadRequest {
		t.Errorf("missing id: code = %d, want 400", code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: %d %v", code, body)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	sup := supervisor.New(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	}()
	svc := dispatch.New(dispatch.Config{}, st, audience.New(st), provider.Registry{}, sup, logx.Nop())
	srv := New(svc, st, logx.Nop())

	if err := srv.Start(Config{Address: "127.0.0.1:0"}); err != nil {
		t.Fatal(err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("no bound address")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz over listener: %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Error("server still reachable after Stop")
	}
}
