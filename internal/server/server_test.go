package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"porthub/internal/collector"
	"porthub/internal/config"
	"porthub/internal/db"
	"porthub/internal/domain"
	"porthub/internal/engine"
	"porthub/internal/migrate"
	"porthub/internal/notify"
	"porthub/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL       string
	Collector *collector.Registry
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Marketplace.AdminIdentity = "admin"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	outbox := notify.Outbox{Repo: r}
	e := engine.New(r, outbox, cfg)
	reg := collector.NewRegistry()
	handler, err := New(Config{
		Engine:    e,
		Repo:      r,
		Outbox:    outbox,
		Collector: reg,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testSecret, AllowDevHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:       "http://" + ln.Addr().String(),
		Collector: reg,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func as(identity string) map[string]string {
	return map[string]string{DevIdentityHeader: identity}
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func registerAccount(t *testing.T, srv *testServer, identity, role string) AccountResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/accounts", map[string]any{"role": role}, as(identity))
	expectStatus(t, res, data, http.StatusCreated)
	var acc AccountResponse
	if err := json.Unmarshal(data, &acc); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	return acc
}

func postJob(t *testing.T, srv *testServer, customer string) domain.Job {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"category": "cargo",
		"payment":  25000,
		"location": "Area18",
	}, as(customer))
	expectStatus(t, res, data, http.StatusCreated)
	var j domain.Job
	if err := json.Unmarshal(data, &j); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	return j
}

// completedJob drives a job through claim, approval and the porter's confirmation.
func completedJob(t *testing.T, srv *testServer) (domain.Job, AccountResponse) {
	t.Helper()
	registerAccount(t, srv, "cust", "customer")
	porter := registerAccount(t, srv, "porter", "porter")
	j := postJob(t, srv, "cust")
	base := srv.URL + "/v0/jobs/" + j.Number
	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/claim", nil, as("porter"))
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/approve", map[string]any{"porter_id": porter.ID}, as("cust"))
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/complete", nil, as("porter"))
	expectStatus(t, res, data, http.StatusOK)
	var done domain.Job
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}
	return done, porter
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestOpenAPIServedToConcurrentReaders(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const readers = 8
	var wg sync.WaitGroup
	bodies := make([][]byte, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("reader %d: %v", i, err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("reader %d: status %d", i, res.StatusCode)
			}
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	var doc map[string]any
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc["paths"]; !ok {
		t.Fatalf("openapi document has no paths")
	}
	for i := 1; i < readers; i++ {
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("reader %d saw a different document", i)
		}
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerAccount(t, srv, "pilot", "porter")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"identity": "pilot"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	expectStatus(t, res, data, http.StatusOK)
	var me AccountResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Identity != "pilot" || me.Role != "PORTER" {
		t.Fatalf("unexpected account %+v", me)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	j, porter := completedJob(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+j.Number+"/feedback", map[string]any{"verdict": "like"}, as("cust"))
	expectStatus(t, res, data, http.StatusOK)
	var out engine.FeedbackOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal feedback: %v", err)
	}
	if out.Reputation.Likes != 1 || !out.Credited {
		t.Fatalf("unexpected outcome %+v", out)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+j.Number+"/feedback", map[string]any{"verdict": "dislike"}, as("cust"))
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/accounts/porter", nil, as("cust"))
	expectStatus(t, res, data, http.StatusOK)
	var acc AccountResponse
	if err := json.Unmarshal(data, &acc); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if acc.ID != porter.ID || acc.Likes != 1 || acc.CompletedJobs != 1 {
		t.Fatalf("unexpected porter %+v", acc)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=job.completed", nil, as("cust"))
	expectStatus(t, res, data, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Payload["job_number"] != j.Number {
		t.Fatalf("unexpected events %+v", page.Items)
	}
}

func TestRejectionStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerAccount(t, srv, "cust", "customer")
	registerAccount(t, srv, "p1", "porter")
	registerAccount(t, srv, "p2", "porter")
	j := postJob(t, srv, "cust")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		actor  string
		status int
		kind   string
	}{
		{"unknown category", http.MethodPost, "/v0/jobs", map[string]any{"category": "mining", "payment": 1}, "cust", http.StatusBadRequest, "validation"},
		{"porter cannot post", http.MethodPost, "/v0/jobs", map[string]any{"category": "cargo", "payment": 1}, "p1", http.StatusForbidden, "authorization"},
		{"unregistered caller", http.MethodPost, "/v0/jobs/" + j.Number + "/claim", nil, "ghost", http.StatusForbidden, "authorization"},
		{"missing job", http.MethodPost, "/v0/jobs/JOB-0001/claim", nil, "p1", http.StatusNotFound, "not_found"},
		{"first claim", http.MethodPost, "/v0/jobs/" + j.Number + "/claim", nil, "p1", http.StatusOK, ""},
		{"second claim", http.MethodPost, "/v0/jobs/" + j.Number + "/claim", nil, "p2", http.StatusConflict, "conflict"},
		{"complete before approval", http.MethodPost, "/v0/jobs/" + j.Number + "/complete", nil, "p1", http.StatusConflict, "conflict"},
		{"non-admin delete", http.MethodDelete, "/v0/accounts/p2", nil, "cust", http.StatusForbidden, "authorization"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, srv.Client(), tc.method, srv.URL+tc.path, tc.body, as(tc.actor))
		if res.StatusCode != tc.status {
			t.Fatalf("%s: status %d want %d: %s", tc.name, res.StatusCode, tc.status, string(data))
		}
		if tc.kind == "" {
			continue
		}
		var body apiError
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatalf("%s: unmarshal error: %v", tc.name, err)
		}
		if body.Body.Details["kind"] != tc.kind {
			t.Fatalf("%s: kind %v want %s", tc.name, body.Body.Details["kind"], tc.kind)
		}
	}
}

func TestInboxShowsClaimRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerAccount(t, srv, "cust", "customer")
	registerAccount(t, srv, "porter", "porter")
	j := postJob(t, srv, "cust")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+j.Number+"/claim", nil, as("porter"))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me/inbox", nil, as("cust"))
	expectStatus(t, res, data, http.StatusOK)
	var msgs []domain.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("unmarshal inbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != notify.KindClaimRequest || msgs[0].JobNumber != j.Number {
		t.Fatalf("unexpected inbox %+v", msgs)
	}
	if len(msgs[0].Controls) != 2 {
		t.Fatalf("expected approve/deny controls, got %v", msgs[0].Controls)
	}
}

func waitForPending(t *testing.T, reg *collector.Registry, key string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !reg.Waiting(key) {
		if time.Now().After(deadline) {
			t.Fatalf("no wait registered for %s", key)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAwaitFeedbackTakesInboxReply(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	j, _ := completedJob(t, srv)

	type result struct {
		status int
		body   []byte
	}
	done := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/jobs/"+j.Number+"/feedback/await", bytes.NewReader([]byte(`{"timeout_seconds":10}`)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(DevIdentityHeader, "cust")
		res, err := srv.Client().Do(req)
		if err != nil {
			done <- result{status: -1, body: []byte(err.Error())}
			return
		}
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		done <- result{status: res.StatusCode, body: data}
	}()

	waitForPending(t, srv.Collector, collector.FeedbackKey(j.Number, "cust"))

	// Replies from someone else do not reach the customer's wait.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/inbox/reply", map[string]any{"job_number": j.Number, "reply": "dislike"}, as("porter"))
	expectStatus(t, res, data, http.StatusOK)
	var reply InboxReplyResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Accepted {
		t.Fatalf("porter reply should not be accepted")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/inbox/reply", map[string]any{"job_number": j.Number, "reply": "like"}, as("cust"))
	expectStatus(t, res, data, http.StatusOK)
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !reply.Accepted {
		t.Fatalf("customer reply was not accepted")
	}

	got := <-done
	if got.status != http.StatusOK {
		t.Fatalf("await status %d: %s", got.status, string(got.body))
	}
	var out AwaitFeedbackResponse
	if err := json.Unmarshal(got.body, &out); err != nil {
		t.Fatalf("unmarshal await: %v", err)
	}
	if out.Verdict != "like" || out.TimedOut || out.Feedback.Reputation.Likes != 1 {
		t.Fatalf("unexpected await result %+v", out)
	}
}

func TestAwaitFeedbackTimeoutIsSkip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	j, _ := completedJob(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+j.Number+"/feedback/await", map[string]any{"timeout_seconds": 1}, as("cust"))
	expectStatus(t, res, data, http.StatusOK)
	var out AwaitFeedbackResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal await: %v", err)
	}
	if out.Verdict != "skip" || !out.TimedOut {
		t.Fatalf("expected timed out skip, got %+v", out)
	}
	if out.Feedback.Reputation.Total != 0 || !out.Feedback.Credited {
		t.Fatalf("skip should credit without feedback, got %+v", out.Feedback)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+j.Number+"/feedback/await", map[string]any{"timeout_seconds": 1}, as("porter"))
	expectStatus(t, res, data, http.StatusForbidden)
}

func TestHandleErrorStatuses(t *testing.T) {
	a := api{}
	cases := []struct {
		err    error
		status int
	}{
		{&engine.Rejection{Kind: engine.KindValidation, Op: "x", Message: "bad"}, http.StatusBadRequest},
		{&engine.Rejection{Kind: engine.KindAuthorization, Op: "x", Message: "no"}, http.StatusForbidden},
		{&engine.Rejection{Kind: engine.KindNotFound, Op: "x", Message: "gone"}, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", &engine.Rejection{Kind: engine.KindConflict, Op: "x", Message: "raced"}), http.StatusConflict},
		{fmt.Errorf("get: %w", repo.ErrNotFound), http.StatusNotFound},
	}
	for _, tc := range cases {
		got := a.handleError(tc.err)
		if got.GetStatus() != tc.status {
			t.Fatalf("%v: status %d want %d", tc.err, got.GetStatus(), tc.status)
		}
	}
	a.logger = discardLogger()
	if got := a.handleError(errors.New("disk on fire")); got.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got.GetStatus())
	}
}

type fakeEvents struct {
	events []domain.Event
}

func (f fakeEvents) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range f.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f fakeEvents) LatestEventID(context.Context) (int64, error) { return 0, nil }

func TestWebhooksForwardMatchingEvents(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Porthub-Secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		types = append(types, r.Header.Get("X-Porthub-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	source := fakeEvents{events: []domain.Event{
		{ID: 1, Type: "job.posted", EntityKind: "job", Payload: `{"job_number":"JOB-1234"}`},
		{ID: 2, Type: "account.registered", EntityKind: "account"},
		{ID: 3, Type: "job.claimed", EntityKind: "job", Payload: "not json"},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := StartWebhooks(ctx, source, []config.WebhookConfig{{URL: hook.URL, Events: []string{"job.*"}, Secret: "s3cret"}}, discardLogger())

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(types)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 || types[0] != "job.posted" || types[1] != "job.claimed" {
		t.Fatalf("unexpected deliveries %v", types)
	}
}

func TestEventFilter(t *testing.T) {
	cases := []struct {
		patterns []string
		evt      string
		want     bool
	}{
		{nil, "job.posted", true},
		{[]string{"*"}, "account.deleted", true},
		{[]string{"job.*"}, "job.completed", true},
		{[]string{"job.*"}, "account.deleted", false},
		{[]string{"account.deleted", " "}, "account.deleted", true},
		{[]string{"account.deleted"}, "account.registered", false},
	}
	for _, tc := range cases {
		if got := newEventFilter(tc.patterns).match(tc.evt); got != tc.want {
			t.Fatalf("filter %v on %s: got %v want %v", tc.patterns, tc.evt, got, tc.want)
		}
	}
}
