package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahmethakanbesel/market-ingest/internal/checkpoint"
	"github.com/ahmethakanbesel/market-ingest/internal/ingest"
	"github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/obs"
	"github.com/ahmethakanbesel/market-ingest/internal/platform/sqlite"
	"github.com/ahmethakanbesel/market-ingest/internal/provider/yahoo"
	"github.com/ahmethakanbesel/market-ingest/internal/ratelimit"
	"github.com/ahmethakanbesel/market-ingest/internal/repository/bar"
	cprepo "github.com/ahmethakanbesel/market-ingest/internal/repository/checkpoint"
	"github.com/ahmethakanbesel/market-ingest/internal/repository/event"
	jobrepo "github.com/ahmethakanbesel/market-ingest/internal/repository/job"
	"github.com/ahmethakanbesel/market-ingest/internal/server"
	"github.com/ahmethakanbesel/market-ingest/internal/storage"
	"github.com/ahmethakanbesel/market-ingest/internal/validate"
)

const barsPerSymbol = 5

// newYahooServer serves cookie, crumb and chart endpoints. Every symbol
// except BOGUS gets barsPerSymbol one-minute bars from period1.
func newYahooServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/cookie", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "A3", Value: "test-session"})
	})
	mux.HandleFunc("/crumb", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("test-crumb"))
	})
	mux.HandleFunc("/chart/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("symbol") == "BOGUS" {
			http.NotFound(w, r)
			return
		}
		start, err := strconv.ParseInt(r.URL.Query().Get("period1"), 10, 64)
		if err != nil {
			http.Error(w, "bad period1", http.StatusBadRequest)
			return
		}

		var ts []int64
		var open, high, low, cls, vol []float64
		for i := range barsPerSymbol {
			ts = append(ts, start+int64(i*60))
			open = append(open, 100+float64(i))
			high = append(high, 101+float64(i))
			low = append(low, 99+float64(i))
			cls = append(cls, 100.5+float64(i))
			vol = append(vol, 1000)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"chart": map[string]any{
				"result": []any{map[string]any{
					"timestamp": ts,
					"indicators": map[string]any{
						"quote": []any{map[string]any{
							"open": open, "high": high, "low": low, "close": cls, "volume": vol,
						}},
					},
				}},
			},
		})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func setupE2E(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	jobRepo := jobrepo.NewRepository(db.DB)
	checkpointRepo := cprepo.NewRepository(db.DB)
	eventRepo := event.NewRepository(db.DB)
	barRepo := bar.NewRepository(db.DB)

	yahooURL := newYahooServer(t).URL
	provider := yahoo.New(
		yahoo.WithWorkers(1),
		yahoo.WithChartEndpoint(yahooURL+"/chart"),
		yahoo.WithCookieURL(yahooURL+"/cookie"),
		yahoo.WithCrumbURL(yahooURL+"/crumb"),
	)

	metrics := obs.NewMetrics()
	limiter, err := ratelimit.New(provider.Name(), 10, 100, ratelimit.WithObserver(metrics))
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	router := storage.NewRouter(t.TempDir(), db.DB)
	coord := ingest.NewCoordinator(jobRepo, checkpointRepo, provider, validate.New(), barRepo, eventRepo, limiter,
		ingest.WithMetrics(metrics),
		ingest.WithStorageSelector(func(target string) (ingest.Storage, error) { return router.Select(target) }),
	)

	jobSvc := job.NewService(jobRepo)
	jobSvc.SetDefaults(job.Config{OutputTarget: storage.FormatSQLite})

	poolCtx, poolCancel := context.WithCancel(context.Background())
	pool := job.NewWorkerPool(jobRepo, coord, 2)
	jobSvc.SetNotify(pool.Notify)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(poolCtx)
		close(poolDone)
	}()
	// Cleanup runs LIFO: cancel pool, wait for drain, then db.Close.
	t.Cleanup(func() {
		poolCancel()
		<-poolDone
	})

	ts := httptest.NewServer(server.NewHandler(server.Deps{
		Jobs:        jobSvc,
		Canceller:   coord,
		Events:      eventRepo,
		Checkpoints: checkpointRepo,
		Bars:        barRepo,
		Metrics:     metrics,
	}, nil))
	t.Cleanup(ts.Close)
	return ts
}

type envelope[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func doJSON[T any](t *testing.T, method, url string, body any) (int, envelope[T]) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req) //nolint:gosec // test URL
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp.StatusCode, out
}

// waitForJob polls the job endpoint until the job reaches a terminal state.
func waitForJob(t *testing.T, baseURL string, id job.ID) job.Job {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job %s", id)
		default:
		}

		_, resp := doJSON[job.Job](t, http.MethodGet, baseURL+"/api/v1/jobs/"+string(id), nil)
		if resp.Data.State.Terminal() {
			return resp.Data
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func createBody(symbols ...string) map[string]any {
	return map[string]any{
		"symbols": symbols,
		"start":   "2024-01-02T14:30:00Z",
		"end":     "2024-01-02T15:30:00Z",
		"config":  map[string]any{"maxWorkers": 2},
	}
}

func TestE2E_Health(t *testing.T) {
	ts := setupE2E(t)

	status, resp := doJSON[map[string]string](t, http.MethodGet, ts.URL+"/health", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if resp.Data["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp.Data)
	}
}

func TestE2E_JobLifecycle(t *testing.T) {
	ts := setupE2E(t)

	status, created := doJSON[job.Job](t, http.MethodPost, ts.URL+"/api/v1/jobs", createBody("aapl", "msft"))
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, created.Message)
	}
	if created.Data.Config.OutputTarget != storage.FormatSQLite {
		t.Errorf("expected default output target sqlite, got %q", created.Data.Config.OutputTarget)
	}

	done := waitForJob(t, ts.URL, created.Data.ID)
	if done.State != job.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.State, done.Error)
	}
	if done.TotalBars != 2*barsPerSymbol {
		t.Errorf("expected %d bars, got %d", 2*barsPerSymbol, done.TotalBars)
	}
	if len(done.Partitions) != 2 {
		t.Errorf("expected 2 partitions, got %d", len(done.Partitions))
	}

	_, events := doJSON[[]event.Record](t, http.MethodGet, ts.URL+"/api/v1/jobs/"+string(done.ID)+"/events", nil)
	var names []string
	for _, e := range events.Data {
		names = append(names, e.Name)
	}
	want := []string{job.EventJobStarted, job.EventBatchProcessed, job.EventBatchProcessed, job.EventJobCompleted}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", names, want)
	}

	status, cp := doJSON[checkpoint.Checkpoint](t, http.MethodGet, ts.URL+"/api/v1/checkpoints/AAPL", nil)
	if status != http.StatusOK {
		t.Fatalf("checkpoint: expected 200, got %d", status)
	}
	wantLast := time.Date(2024, 1, 2, 14, 30+barsPerSymbol-1, 0, 0, time.UTC)
	if !cp.Data.LastProcessed().Equal(wantLast) || cp.Data.RecordsProcessed != barsPerSymbol {
		t.Errorf("unexpected checkpoint %+v", cp.Data)
	}

	_, bars := doJSON[[]market.Bar](t, http.MethodGet,
		ts.URL+"/api/v1/bars/MSFT?start=2024-01-02T14:30:00Z&end=2024-01-02T15:30:00Z", nil)
	if len(bars.Data) != barsPerSymbol {
		t.Errorf("expected %d stored bars, got %d", barsPerSymbol, len(bars.Data))
	}

	// Counters are bumped just after the job write that completes it.
	var snap envelope[obs.Snapshot]
	for range 20 {
		_, snap = doJSON[obs.Snapshot](t, http.MethodGet, ts.URL+"/api/v1/metrics", nil)
		if snap.Data.SymbolsProcessed == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap.Data.SymbolsProcessed != 2 || snap.Data.BarsWritten != 2*barsPerSymbol {
		t.Errorf("unexpected metrics %+v", snap.Data)
	}

	status, list := doJSON[[]job.Job](t, http.MethodGet, ts.URL+"/api/v1/jobs?state=completed", nil)
	if status != http.StatusOK || len(list.Data) != 1 {
		t.Errorf("expected 1 completed job, got %d (status %d)", len(list.Data), status)
	}

	status, _ = doJSON[job.Job](t, http.MethodPost, ts.URL+"/api/v1/jobs/"+string(done.ID)+"/cancel", nil)
	if status != http.StatusConflict {
		t.Errorf("cancel completed job: expected 409, got %d", status)
	}
}

func TestE2E_InvalidSymbolKeepsJobResumable(t *testing.T) {
	ts := setupE2E(t)

	_, created := doJSON[job.Job](t, http.MethodPost, ts.URL+"/api/v1/jobs", createBody("AAPL", "BOGUS"))

	// A failed symbol leaves the job IN_PROGRESS, so poll for AAPL instead.
	deadline := time.After(5 * time.Second)
	for {
		_, resp := doJSON[job.Job](t, http.MethodGet, ts.URL+"/api/v1/jobs/"+string(created.Data.ID), nil)
		if len(resp.Data.ProcessedSymbols) == 1 {
			if resp.Data.State != job.StateInProgress {
				t.Errorf("expected in_progress, got %s", resp.Data.State)
			}
			if resp.Data.ProcessedSymbols[0] != "AAPL" {
				t.Errorf("expected AAPL processed, got %v", resp.Data.ProcessedSymbols)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for AAPL")
		case <-time.After(50 * time.Millisecond):
		}
	}

	status, _ := doJSON[checkpoint.Checkpoint](t, http.MethodGet, ts.URL+"/api/v1/checkpoints/BOGUS", nil)
	if status != http.StatusNotFound {
		t.Errorf("expected no checkpoint for BOGUS, got %d", status)
	}
}

func TestE2E_CreateValidation(t *testing.T) {
	ts := setupE2E(t)

	tests := []struct {
		name string
		body any
	}{
		{"no symbols", map[string]any{"start": "2024-01-02T14:30:00Z", "end": "2024-01-02T15:30:00Z"}},
		{"reversed range", map[string]any{"symbols": []string{"AAPL"}, "start": "2024-01-02T15:30:00Z", "end": "2024-01-02T14:30:00Z"}},
		{"duplicate symbols", createBody("AAPL", "aapl")},
		{"unknown field", map[string]any{"symbols": []string{"AAPL"}, "source": "tefas"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := doJSON[string](t, http.MethodPost, ts.URL+"/api/v1/jobs", tt.body)
			if status != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", status, resp.Message)
			}
		})
	}
}

func TestE2E_NotFoundAndBadRequest(t *testing.T) {
	ts := setupE2E(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/v1/jobs/not-a-uuid", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/jobs/" + string(job.NewID()), http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs/" + string(job.NewID()) + "/events", http.StatusNotFound},
		{http.MethodPost, "/api/v1/jobs/" + string(job.NewID()) + "/cancel", http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs?state=sleeping", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/bars/AAPL?start=yesterday", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.method, tt.path), func(t *testing.T) {
			status, _ := doJSON[string](t, tt.method, ts.URL+tt.path, nil)
			if status != tt.want {
				t.Errorf("expected %d, got %d", tt.want, status)
			}
		})
	}
}

func TestThrottle(t *testing.T) {
	h := server.NewHandler(server.Deps{}, rate.NewLimiter(rate.Every(time.Hour), 1))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if second.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id on throttled response")
	}
}
