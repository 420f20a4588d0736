package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"expensed/internal/expense"
	"expensed/internal/pipeline"
	"expensed/internal/storage"
	"expensed/internal/template"
	"expensed/internal/timer"
	logx "expensed/pkg/logx"
)

// fakeAPI stands in for the remote expense service. It records the context
// state observed mid-call so tests can assert a firing survives the request
// that triggered it.
type fakeAPI struct {
	mu      sync.Mutex
	creates int
	ctxErr  error

	delay time.Duration
	done  chan struct{}
}

func (f *fakeAPI) CreateDraft(ctx context.Context, p expense.Payload) (expense.Draft, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.creates++
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return expense.Draft{}, &expense.APIError{Kind: expense.KindNetwork, Message: err.Error(), Attempts: 1}
	}
	return expense.Draft{ID: "draft-1"}, nil
}

func (f *fakeAPI) Finalize(ctx context.Context, id string, p expense.Payload) error { return nil }

func (f *fakeAPI) Submit(ctx context.Context, id string) error {
	if f.done != nil {
		defer close(f.done)
	}
	return nil
}

type apiFixture struct {
	store *template.Store
	coord *timer.Coordinator
	api   *fakeAPI
	ts    *httptest.Server
}

func newAPIFixture(t *testing.T, api *fakeAPI) *apiFixture {
	t.Helper()
	kv := storage.NewMemory()
	timers := timer.NewInProc(logx.Nop())
	timers.SetHandler(func(string, time.Time) {})
	t.Cleanup(timers.Close)

	store := template.NewStore(kv)
	coord := timer.NewCoordinator(kv, timers, store, logx.Nop())
	pipe := pipeline.New(store, coord, api, nil, logx.Nop())

	srv := New(Config{}, store, coord, pipe, logx.Nop())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &apiFixture{store: store, coord: coord, api: api, ts: ts}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, fx.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func dailyRule() map[string]any {
	return map[string]any{
		"enabled": true,
		"kind":    "daily",
		"at":      map[string]int{"hour": 9},
	}
}

func createTemplate(t *testing.T, fx *apiFixture, withRule bool) template.Template {
	t.Helper()
	body := map[string]any{
		"name": "office rent",
		"expense": map[string]any{
			"description": "Rent {month_name}",
			"amount":      1200,
			"currency":    "EUR",
		},
	}
	if withRule {
		body["scheduling"] = dailyRule()
	}
	resp := fx.do(t, http.MethodPost, "/api/templates", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	return decode[template.Template](t, resp)
}

func TestCreateTemplateArmsSchedule(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t, &fakeAPI{})
	tpl := createTemplate(t, fx, true)

	if tpl.ID == "" {
		t.Fatal("created template has no id")
	}
	wks, err := fx.coord.Wakeups(context.Background())
	if err != nil || len(wks) != 1 {
		t.Fatalf("wakeups = %d, err %v", len(wks), err)
	}

	resp := fx.do(t, http.MethodGet, "/api/templates/"+tpl.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	got := decode[template.Template](t, resp)
	if got.Name != "office rent" || got.Scheduling == nil {
		t.Fatalf("got = %+v", got)
	}
}

func TestCreateTemplateRejectsBadInput(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t, &fakeAPI{})

	resp := fx.do(t, http.MethodPost, "/api/templates", map[string]any{
		"expense": map[string]any{"description": "x", "amount": 1, "currency": "EUR"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing name: status = %d, want 400", resp.StatusCode)
	}

	resp = fx.do(t, http.MethodPost, "/api/templates", map[string]any{
		"name":    "broken",
		"expense": map[string]any{"description": "x", "amount": 1, "currency": "EUR"},
		"scheduling": map[string]any{
			"enabled": true,
			"kind":    "weekly",
			"at":      map[string]int{"hour": 9},
		},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("weekly without weekdays: status = %d, want 400", resp.StatusCode)
	}
}

func TestScheduleAndUnschedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newAPIFixture(t, &fakeAPI{})
	tpl := createTemplate(t, fx, false)

	resp := fx.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/schedule", dailyRule())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schedule status = %d", resp.StatusCode)
	}
	sr := decode[scheduleResponse](t, resp)
	if !sr.Armed || sr.Next == nil || !sr.Next.After(time.Now()) {
		t.Fatalf("schedule response = %+v", sr)
	}

	resp = fx.do(t, http.MethodDelete, "/api/templates/"+tpl.ID+"/schedule", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unschedule status = %d", resp.StatusCode)
	}
	wks, _ := fx.coord.Wakeups(ctx)
	if len(wks) != 0 {
		t.Fatalf("wakeups after unschedule = %v", wks)
	}
	got, err := fx.store.Get(ctx, tpl.ID)
	if err != nil || got.Scheduling != nil {
		t.Fatalf("rule not removed: %+v, err %v", got.Scheduling, err)
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newAPIFixture(t, &fakeAPI{})
	tpl := createTemplate(t, fx, true)

	resp := fx.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/pause", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	if sr := decode[scheduleResponse](t, resp); sr.Armed {
		t.Fatalf("paused template still armed: %+v", sr)
	}
	if wks, _ := fx.coord.Wakeups(ctx); len(wks) != 0 {
		t.Fatalf("wakeups while paused = %v", wks)
	}

	resp = fx.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	if sr := decode[scheduleResponse](t, resp); !sr.Armed {
		t.Fatalf("resumed template not armed: %+v", sr)
	}
	if wks, _ := fx.coord.Wakeups(ctx); len(wks) != 1 {
		t.Fatalf("wakeups after resume = %v", wks)
	}
}

func TestPauseWithoutScheduleConflicts(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t, &fakeAPI{})
	tpl := createTemplate(t, fx, false)

	resp := fx.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/pause", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestPreviewIsPure(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t, &fakeAPI{})

	now := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC) // Monday
	resp := fx.do(t, http.MethodPost, "/api/schedule/preview", map[string]any{
		"rule": map[string]any{
			"enabled":      true,
			"kind":         "weekly",
			"days_of_week": []int{int(time.Friday)},
			"at":           map[string]int{"hour": 12},
		},
		"now": now,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d", resp.StatusCode)
	}
	sr := decode[scheduleResponse](t, resp)
	want := time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC)
	if !sr.Armed || sr.Next == nil || !sr.Next.Equal(want) {
		t.Fatalf("preview = %+v, want %v", sr, want)
	}

	// Pure: no wake-up state created.
	if wks, _ := fx.coord.Wakeups(context.Background()); len(wks) != 0 {
		t.Fatalf("preview created wakeups: %v", wks)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newAPIFixture(t, &fakeAPI{})
	tpl := createTemplate(t, fx, false)

	base := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := template.ExecutionRecord{
			ID:         fmt.Sprintf("rec-%d", i),
			ExecutedAt: base.AddDate(0, 0, i),
			Status:     template.StatusSuccess,
		}
		if err := fx.store.AppendExecution(ctx, tpl.ID, rec); err != nil {
			t.Fatalf("AppendExecution: %v", err)
		}
	}

	resp := fx.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	recs := decode[[]template.ExecutionRecord](t, resp)
	if len(recs) != 3 || recs[0].ID != "rec-2" || recs[2].ID != "rec-0" {
		t.Fatalf("history order = %+v, want newest first", recs)
	}
}

func TestUnknownTemplateIs404(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t, &fakeAPI{})
	resp := fx.do(t, http.MethodGet, "/api/templates/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get unknown template = %d, want 404", resp.StatusCode)
	}
	resp = fx.do(t, http.MethodPost, "/api/templates/ghost/run", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("run on unknown template = %d, want 404", resp.StatusCode)
	}
}

func TestRunOutlivesRequest(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{delay: 100 * time.Millisecond, done: make(chan struct{})}
	fx := newAPIFixture(t, api)
	tpl := createTemplate(t, fx, false)

	resp := fx.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/run", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run status = %d", resp.StatusCode)
	}

	// The handler has returned (and net/http cancelled the request context)
	// long before the remote call finishes; the firing must not notice.
	select {
	case <-api.done:
	case <-time.After(2 * time.Second):
		t.Fatal("firing did not finish")
	}

	api.mu.Lock()
	creates, ctxErr := api.creates, api.ctxErr
	api.mu.Unlock()
	if creates != 1 {
		t.Fatalf("remote creates = %d, want 1", creates)
	}
	if ctxErr != nil {
		t.Fatalf("firing ran with a dead context: %v", ctxErr)
	}

	// Recording happens after the last remote step; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := fx.store.History(context.Background(), tpl.ID)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].Status != template.StatusSuccess {
				t.Fatalf("record = %+v, want success", recs[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("history = %d records, want 1", len(recs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
