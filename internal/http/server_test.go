package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-report-dashboard/internal/chat"
	"lab-report-dashboard/internal/config"
	"lab-report-dashboard/internal/connectors/labapi"
	"lab-report-dashboard/internal/dashboard"
)

type fakeLabAPI struct {
	reportCalls  atomic.Int32
	summaryCalls atomic.Int32
	askCalls     atomic.Int32
	failGender   bool
	summaryBody  string
	summaryGate  chan struct{}
	readyAfter   int32
}

func (f *fakeLabAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/reports/summary", func(w http.ResponseWriter, _ *http.Request) {
		f.reportCalls.Add(1)
		if f.summaryGate != nil {
			<-f.summaryGate
		}
		if f.summaryBody != "" {
			_, _ = io.WriteString(w, f.summaryBody)
			return
		}
		_, _ = io.WriteString(w, `[{"status":"NORMAL","count":1000},{"status":"ABNORMAL","count":200},{"status":"CRITICAL","count":34}]`)
	})
	mux.HandleFunc("/reports/by-lab", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"test_name":"WBC","status":"ABNORMAL","patient_count":12},{"test_name":"Potassium","status":"CRITICAL","patient_count":3}]`)
	})
	mux.HandleFunc("/reports/by-gender", func(w http.ResponseWriter, _ *http.Request) {
		if f.failGender {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `[{"gender":"F","patient_count":7},{"gender":"M","patient_count":5}]`)
	})
	mux.HandleFunc("/reports/unreviewed-critical", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"subject_id":10001,"test_name":"Potassium","value":6.8,"unit":"mEq/L"}]`)
	})
	mux.HandleFunc("/chat/patient/10001/ai-summary", func(w http.ResponseWriter, _ *http.Request) {
		if f.summaryCalls.Add(1) < f.readyAfter {
			_, _ = io.WriteString(w, `{"message":"Generating AI summary. Please check again shortly."}`)
			return
		}
		_, _ = io.WriteString(w, `{"summary":"**Potassium** is elevated.","disclaimer":"Not medical advice."}`)
	})
	mux.HandleFunc("/chat/patient/10001/abnormal", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"subject_id":10001,"hadm_id":2001,"test_name":"Potassium","value":6.8,"unit":"mEq/L","status":"CRITICAL"}]`)
	})
	mux.HandleFunc("/chat/patient/10001/ask", func(w http.ResponseWriter, r *http.Request) {
		f.askCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"answer":"You asked: `+body["question"]+`","confidence_score":0.875}`)
	})
	return mux
}

func newTestServer(t *testing.T, upstream string) *Server {
	t.Helper()
	cfg := config.Config{
		UpstreamEnabled:       upstream != "",
		UpstreamBaseURL:       upstream,
		UpstreamTimeout:       2 * time.Second,
		UpstreamRateLimit:     1000,
		UpstreamRateBurst:     100,
		TopTestsLimit:         10,
		AlertsLimit:           5,
		SummaryPollInterval:   5 * time.Millisecond,
		SummaryPollMaxElapsed: time.Second,
		TranscriptSQLitePath:  filepath.Join(t.TempDir(), "transcripts.db"),
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if srv.store != nil {
			_ = srv.store.Close()
		}
	})
	return srv
}

func startFake(t *testing.T, f *fakeLabAPI) string {
	t.Helper()
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	return payload
}

func TestDashboardPage(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{}))

	rr := do(t, srv.Handler(), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "1,234")
	assert.Contains(t, body, "Subject 10001 | Potassium: 6.8 mEq/L")
	assert.Contains(t, body, `src="/charts/labs"`)
	assert.Contains(t, body, `el("chat").innerHTML = "";`)
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))

	rr = do(t, srv.Handler(), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDashboardPage_UnknownStatusCounter(t *testing.T) {
	fake := &fakeLabAPI{summaryBody: `[{"status":"NORMAL","count":10},{"status":"PENDING","count":777}]`}
	srv := newTestServer(t, startFake(t, fake))

	rr := do(t, srv.Handler(), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `id="count-total">787<`)
	assert.Contains(t, body, `id="count-unknown">777<`)
}

func TestSnapshotCache(t *testing.T) {
	fake := &fakeLabAPI{}
	client := labapi.NewClient(startFake(t, fake), labapi.Options{Timeout: 2 * time.Second, RateLimit: 1000, RateBurst: 100})
	loader := dashboard.NewLoader(client, 10, 5, nil)
	ctx := context.Background()

	shared := newSnapshotCache(loader, time.Minute)
	first := shared.Get(ctx, false)
	assert.Same(t, first, shared.Get(ctx, false))
	assert.Equal(t, int32(1), fake.reportCalls.Load())

	assert.NotSame(t, first, shared.Get(ctx, true))
	assert.Equal(t, int32(2), fake.reportCalls.Load())

	uncached := newSnapshotCache(loader, 0)
	uncached.Get(ctx, false)
	uncached.Get(ctx, false)
	assert.Equal(t, int32(4), fake.reportCalls.Load())
}

func TestSnapshotCache_CanceledCallerDoesNotPoisonCache(t *testing.T) {
	fake := &fakeLabAPI{}
	client := labapi.NewClient(startFake(t, fake), labapi.Options{Timeout: 2 * time.Second, RateLimit: 1000, RateBurst: 100})
	cache := newSnapshotCache(dashboard.NewLoader(client, 10, 5, nil), time.Minute)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	first := cache.Get(canceled, false)
	assert.Empty(t, first.Errors)

	second := cache.Get(context.Background(), false)
	assert.Same(t, first, second)
	assert.Empty(t, second.Errors)
	assert.Equal(t, int32(1), fake.reportCalls.Load())
}

func TestSnapshotCache_ConcurrentCallersShareOneLoad(t *testing.T) {
	fake := &fakeLabAPI{summaryGate: make(chan struct{})}
	client := labapi.NewClient(startFake(t, fake), labapi.Options{Timeout: 2 * time.Second, RateLimit: 1000, RateBurst: 100})
	cache := newSnapshotCache(dashboard.NewLoader(client, 10, 5, nil), time.Minute)

	results := make([]*dashboard.Snapshot, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Get(context.Background(), false)
		}(i)
	}

	require.Eventually(t, func() bool { return fake.reportCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(fake.summaryGate)
	wg.Wait()

	assert.Equal(t, int32(1), fake.reportCalls.Load())
	for _, snap := range results {
		assert.Same(t, results[0], snap)
	}
}

func TestSnapshotCache_RefreshLoop(t *testing.T) {
	fake := &fakeLabAPI{}
	client := labapi.NewClient(startFake(t, fake), labapi.Options{Timeout: 2 * time.Second, RateLimit: 1000, RateBurst: 100})
	cache := newSnapshotCache(dashboard.NewLoader(client, 10, 5, nil), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.refreshLoop(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return fake.reportCalls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh loop did not exit after cancel")
	}

	calls := fake.reportCalls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, fake.reportCalls.Load())
}

func TestReportHandler_FailedPanelIsIsolated(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{failGender: true}))

	rr := do(t, srv.Handler(), http.MethodGet, "/api/v1/reports/by-gender", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, decode(t, rr)["error"], "by_gender")

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/reports/summary", "")
	require.Equal(t, http.StatusOK, rr.Code)
	data := decode(t, rr)["data"].(map[string]any)
	counters := data["counters"].(map[string]any)
	assert.EqualValues(t, 1234, counters["total"])
	assert.EqualValues(t, 34, counters["critical"])

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/reports/by-lab", "")
	require.Equal(t, http.StatusOK, rr.Code)
	top := decode(t, rr)["data"].(map[string]any)["top_tests"].([]any)
	assert.Len(t, top, 2)
}

func TestUpstreamDisabled(t *testing.T) {
	srv := newTestServer(t, "")

	for _, path := range []string{"/api/v1/dashboard", "/api/v1/reports/summary", "/api/v1/subjects/1/summary", "/ready"} {
		rr := do(t, srv.Handler(), http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}

	rr := do(t, srv.Handler(), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Lab report API disabled")
}

func TestAskAndTranscript(t *testing.T) {
	fake := &fakeLabAPI{}
	srv := newTestServer(t, startFake(t, fake))

	rr := do(t, srv.Handler(), http.MethodPost, "/api/v1/subjects/10001/ask", `{"question":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, int32(0), fake.askCalls.Load())

	rr = do(t, srv.Handler(), http.MethodPost, "/api/v1/subjects/10001/ask", `{"question":"Why is potassium high?"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decode(t, rr)["data"].(map[string]any)
	assert.EqualValues(t, 88, data["confidence_percent"])
	assert.Contains(t, data["answer_html"], "You asked: Why is potassium high?")

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/subjects/10001/transcript", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rows := decode(t, rr)["data"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "Why is potassium high?", rows[0].(map[string]any)["question"])

	rr = do(t, srv.Handler(), http.MethodDelete, "/api/v1/subjects/10001/transcript", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode(t, rr)["data"].(map[string]any)["deleted"])
}

func TestAsk_InvalidBody(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{}))

	rr := do(t, srv.Handler(), http.MethodPost, "/api/v1/subjects/10001/ask", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubjectRouter(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{}))

	rr := do(t, srv.Handler(), http.MethodGet, "/api/v1/subjects/10001/unknown", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/subjects/10001", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/subjects/10001/ask", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/subjects/10001/abnormal", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rows := decode(t, rr)["data"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "10001", rows[0].(map[string]any)["subject_id"])
}

func TestSummaryCheck(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{readyAfter: 2}))

	rr := do(t, srv.Handler(), http.MethodGet, "/api/v1/subjects/10001/summary", "")
	require.Equal(t, http.StatusOK, rr.Code)
	data := decode(t, rr)["data"].(map[string]any)
	assert.Equal(t, false, data["ready"])

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/subjects/10001/summary", "")
	require.Equal(t, http.StatusOK, rr.Code)
	data = decode(t, rr)["data"].(map[string]any)
	assert.Equal(t, true, data["ready"])
	assert.Contains(t, data["summary_html"], "<strong>Potassium</strong>")

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/subjects/999/summary", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSummaryWaitWebsocket(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{readyAfter: 3}))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/subjects/10001/summary/wait"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev summaryEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "pending", ev.Type)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ready", ev.Type)
	assert.Equal(t, "10001", ev.Subject)
	assert.Equal(t, "Not medical advice.", ev.Data["disclaimer"])
}

func TestChartHandler(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{}))

	rr := do(t, srv.Handler(), http.MethodGet, "/charts/labs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "WBC")

	rr = do(t, srv.Handler(), http.MethodGet, "/charts/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusAndSettings(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{}))

	rr := do(t, srv.Handler(), http.MethodGet, "/api/v1/status/services", "")
	require.Equal(t, http.StatusOK, rr.Code)
	services := decode(t, rr)["services"].(map[string]any)
	assert.Equal(t, true, services["lab_api"].(map[string]any)["ok"])
	assert.Equal(t, "closed", services["lab_api"].(map[string]any)["breaker"])
	assert.Equal(t, true, services["transcripts"].(map[string]any)["ok"])

	rr = do(t, srv.Handler(), http.MethodGet, "/api/v1/settings/dashboard", "")
	require.Equal(t, http.StatusOK, rr.Code)
	data := decode(t, rr)["data"].(map[string]any)
	assert.EqualValues(t, 10, data["top_tests_limit"])
	assert.Equal(t, true, data["transcripts_enabled"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, startFake(t, &fakeLabAPI{}))

	_ = do(t, srv.Handler(), http.MethodGet, "/api/v1/reports/summary", "")
	rr := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `lab_dashboard_http_requests_total{method="GET",path="/api/v1/reports/summary",status="200"}`)
	assert.Contains(t, body, `lab_dashboard_upstream_request_duration_seconds_count{target="lab_api",operation="summary"}`)
}

func TestNormalizeMetricPath(t *testing.T) {
	assert.Equal(t, "/api/v1/subjects/{id}/summary/wait", normalizeMetricPath("/api/v1/subjects/42/summary/wait"))
	assert.Equal(t, "/api/v1/subjects/{id}/ask", normalizeMetricPath("/api/v1/subjects/42/ask"))
	assert.Equal(t, "/api/v1/dashboard", normalizeMetricPath("/api/v1/dashboard"))
}

func TestUpstreamErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, upstreamErrorStatus(io.ErrUnexpectedEOF))
	assert.Equal(t, http.StatusServiceUnavailable, upstreamErrorStatus(gobreaker.ErrOpenState))
	assert.Equal(t, http.StatusServiceUnavailable, upstreamErrorStatus(labapi.ErrDisabled))
	assert.Equal(t, http.StatusGatewayTimeout, upstreamErrorStatus(errors.Wrap(context.DeadlineExceeded, "ask upstream")))
	assert.Equal(t, http.StatusBadRequest, upstreamErrorStatus(chat.ErrNoSubject))
	assert.Equal(t, http.StatusNotFound, upstreamErrorStatus(&labapi.StatusError{Code: http.StatusNotFound}))
	assert.Equal(t, http.StatusBadGateway, upstreamErrorStatus(&labapi.StatusError{Code: http.StatusInternalServerError}))
}
