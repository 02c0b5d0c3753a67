package http

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const metricPrefix = "lab_dashboard_"

var (
	appStartedAtUnix = time.Now().Unix()
	inFlightRequests int64
	metricsMu        sync.Mutex
	httpSeries       = map[httpMetricKey]*timedSeries{}
	upstreamSeries   = map[upstreamMetricKey]*timedSeries{}
	storeSeries      = map[upstreamMetricKey]*timedSeries{}
	chatEventSeries  = map[chatEventKey]uint64{}
)

type httpMetricKey struct {
	Method string
	Path   string
	Status string
}

// upstreamMetricKey labels both upstream API calls and transcript store
// queries: Target is the panel/endpoint or the store name.
type upstreamMetricKey struct {
	Target    string
	Operation string
}

type chatEventKey struct {
	Event   string
	Outcome string
}

type timedSeries struct {
	Count              uint64
	Errors             uint64
	DurationSecondsSum float64
}

func (s *timedSeries) observe(durationSeconds float64, err error) {
	s.Count++
	s.DurationSecondsSum += durationSeconds
	if err != nil {
		s.Errors++
	}
}

type labeledSeries struct {
	Labels string
	Series timedSeries
}

func metricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		metricsMu.Lock()
		httpRows := make([]labeledSeries, 0, len(httpSeries))
		for k, s := range httpSeries {
			httpRows = append(httpRows, labeledSeries{
				Labels: fmt.Sprintf("method=%q,path=%q,status=%q", escapeLabel(k.Method), escapeLabel(k.Path), escapeLabel(k.Status)),
				Series: *s,
			})
		}
		upRows := targetRows(upstreamSeries)
		storeRows := targetRows(storeSeries)
		chatRows := make([]labeledSeries, 0, len(chatEventSeries))
		for k, n := range chatEventSeries {
			chatRows = append(chatRows, labeledSeries{
				Labels: fmt.Sprintf("event=%q,outcome=%q", escapeLabel(k.Event), escapeLabel(k.Outcome)),
				Series: timedSeries{Count: n},
			})
		}
		metricsMu.Unlock()

		for _, rows := range [][]labeledSeries{httpRows, upRows, storeRows, chatRows} {
			sort.Slice(rows, func(i, j int) bool { return rows[i].Labels < rows[j].Labels })
		}

		writeFamily(w, "http_requests_total", "counter", "Total HTTP requests handled by this app.", httpRows,
			func(s timedSeries) string { return strconv.FormatUint(s.Count, 10) })
		writeFamily(w, "http_request_duration_seconds_sum", "counter", "Total duration in seconds for observed requests.", httpRows,
			func(s timedSeries) string { return fmt.Sprintf("%.9f", s.DurationSecondsSum) })
		writeFamily(w, "http_request_duration_seconds_count", "counter", "Number of observed requests in duration series.", httpRows,
			func(s timedSeries) string { return strconv.FormatUint(s.Count, 10) })

		_, _ = fmt.Fprintf(w, "# HELP %shttp_in_flight_requests In-flight HTTP requests currently served by this app.\n", metricPrefix)
		_, _ = fmt.Fprintf(w, "# TYPE %shttp_in_flight_requests gauge\n", metricPrefix)
		_, _ = fmt.Fprintf(w, "%shttp_in_flight_requests %d\n", metricPrefix, atomic.LoadInt64(&inFlightRequests))

		writeTimedFamilies(w, "upstream_request", "Lab report API request", upRows)
		writeTimedFamilies(w, "transcript_query", "Transcript store query", storeRows)

		writeFamily(w, "chat_events_total", "counter", "Chat widget events by outcome.", chatRows,
			func(s timedSeries) string { return strconv.FormatUint(s.Count, 10) })

		writeRuntimeMetrics(w)
	})
}

func targetRows(m map[upstreamMetricKey]*timedSeries) []labeledSeries {
	rows := make([]labeledSeries, 0, len(m))
	for k, s := range m {
		rows = append(rows, labeledSeries{
			Labels: fmt.Sprintf("target=%q,operation=%q", escapeLabel(k.Target), escapeLabel(k.Operation)),
			Series: *s,
		})
	}
	return rows
}

func writeTimedFamilies(w http.ResponseWriter, name, help string, rows []labeledSeries) {
	writeFamily(w, name+"_duration_seconds_sum", "counter", help+" duration sum in seconds by target/operation.", rows,
		func(s timedSeries) string { return fmt.Sprintf("%.9f", s.DurationSecondsSum) })
	writeFamily(w, name+"_duration_seconds_count", "counter", help+" observation count by target/operation.", rows,
		func(s timedSeries) string { return strconv.FormatUint(s.Count, 10) })
	writeFamily(w, name+"_errors_total", "counter", help+" errors by target/operation.", rows,
		func(s timedSeries) string { return strconv.FormatUint(s.Errors, 10) })
}

func writeFamily(w http.ResponseWriter, name, kind, help string, rows []labeledSeries, value func(timedSeries) string) {
	_, _ = fmt.Fprintf(w, "# HELP %s%s %s\n", metricPrefix, name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s%s %s\n", metricPrefix, name, kind)
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s%s{%s} %s\n", metricPrefix, name, r.Labels, value(r.Series))
	}
}

func writeGauge(w http.ResponseWriter, name, kind, help, value string) {
	_, _ = fmt.Fprintf(w, "# HELP %s%s %s\n", metricPrefix, name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s%s %s\n", metricPrefix, name, kind)
	_, _ = fmt.Fprintf(w, "%s%s %s\n", metricPrefix, name, value)
}

func writeRuntimeMetrics(w http.ResponseWriter) {
	uptime := time.Now().Unix() - appStartedAtUnix
	writeGauge(w, "uptime_seconds", "gauge", "Process uptime in seconds.", strconv.FormatInt(uptime, 10))

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeGauge(w, "runtime_goroutines", "gauge", "Number of goroutines.", strconv.Itoa(runtime.NumGoroutine()))
	writeGauge(w, "runtime_memory_alloc_bytes", "gauge", "Heap allocation bytes.", strconv.FormatUint(ms.Alloc, 10))
	writeGauge(w, "runtime_gc_total", "counter", "Total GC runs since process start.", strconv.FormatUint(uint64(ms.NumGC), 10))

	if cpuSec, ok := processCPUSeconds(); ok {
		writeGauge(w, "runtime_cpu_seconds_total", "counter", "Total CPU time consumed by this process in seconds.", fmt.Sprintf("%.6f", cpuSec))
		if uptime > 0 {
			writeGauge(w, "runtime_cpu_percent", "gauge", "Average CPU percent of one core since process start.",
				fmt.Sprintf("%.6f", cpuSec/float64(uptime)*100.0))
		}
	}
	if io := processIOStats(); io != nil {
		writeGauge(w, "runtime_io_read_bytes_total", "counter", "Bytes read by this process from storage.", strconv.FormatUint(io.ReadBytes, 10))
		writeGauge(w, "runtime_io_write_bytes_total", "counter", "Bytes written by this process to storage.", strconv.FormatUint(io.WriteBytes, 10))
	}
}

func appMetricsSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type endpointRow struct {
			Method  string  `json:"method"`
			Path    string  `json:"path"`
			Status  string  `json:"status"`
			Count   uint64  `json:"count"`
			AvgMS   float64 `json:"avg_ms"`
			TotalMS float64 `json:"total_ms"`
		}
		type upstreamRow struct {
			Target    string  `json:"target"`
			Operation string  `json:"operation"`
			Count     uint64  `json:"count"`
			Errors    uint64  `json:"errors"`
			AvgMS     float64 `json:"avg_ms"`
		}

		metricsMu.Lock()
		httpRows := make([]endpointRow, 0, len(httpSeries))
		for k, s := range httpSeries {
			httpRows = append(httpRows, endpointRow{
				Method:  k.Method,
				Path:    k.Path,
				Status:  k.Status,
				Count:   s.Count,
				AvgMS:   avgMS(*s),
				TotalMS: s.DurationSecondsSum * 1000.0,
			})
		}
		upRows := make([]upstreamRow, 0, len(upstreamSeries))
		upstreamErrors := uint64(0)
		for k, s := range upstreamSeries {
			upRows = append(upRows, upstreamRow{Target: k.Target, Operation: k.Operation, Count: s.Count, Errors: s.Errors, AvgMS: avgMS(*s)})
			upstreamErrors += s.Errors
		}
		storeErrors := uint64(0)
		for _, s := range storeSeries {
			storeErrors += s.Errors
		}
		chat := map[string]uint64{}
		for k, n := range chatEventSeries {
			chat[k.Event+"_"+k.Outcome] = n
		}
		metricsMu.Unlock()

		sort.Slice(httpRows, func(i, j int) bool { return httpRows[i].AvgMS > httpRows[j].AvgMS })
		sort.Slice(upRows, func(i, j int) bool { return upRows[i].AvgMS > upRows[j].AvgMS })
		if len(httpRows) > 5 {
			httpRows = httpRows[:5]
		}
		if len(upRows) > 5 {
			upRows = upRows[:5]
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"meta": map[string]any{
				"generated_at": time.Now().UTC(),
			},
			"data": map[string]any{
				"top_http_slowest_avg_ms":     httpRows,
				"top_upstream_slowest_avg_ms": upRows,
				"chat_events":                 chat,
				"errors": map[string]any{
					"upstream_total":   upstreamErrors,
					"transcript_total": storeErrors,
				},
			},
		})
	}
}

func avgMS(s timedSeries) float64 {
	if s.Count == 0 {
		return 0
	}
	return s.DurationSecondsSum / float64(s.Count) * 1000.0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the summary websocket.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		atomic.AddInt64(&inFlightRequests, 1)
		defer atomic.AddInt64(&inFlightRequests, -1)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		recordHTTPMetric(r.Method, normalizeMetricPath(r.URL.Path), rec.status, time.Since(start).Seconds())
	})
}

func normalizeMetricPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "/api/v1/subjects/"); ok {
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		if len(parts) >= 2 {
			return "/api/v1/subjects/{id}/" + strings.Join(parts[1:], "/")
		}
		return "/api/v1/subjects/{id}"
	}
	return path
}

func recordHTTPMetric(method, path string, status int, durationSeconds float64) {
	key := httpMetricKey{Method: method, Path: path, Status: strconv.Itoa(status)}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	row, ok := httpSeries[key]
	if !ok {
		row = &timedSeries{}
		httpSeries[key] = row
	}
	row.observe(durationSeconds, nil)
}

func recordUpstreamCall(target, operation string, durationSeconds float64, err error) {
	recordTimed(upstreamSeries, target, operation, durationSeconds, err)
}

func recordStoreQuery(target, operation string, durationSeconds float64, err error) {
	recordTimed(storeSeries, target, operation, durationSeconds, err)
}

func recordTimed(m map[upstreamMetricKey]*timedSeries, target, operation string, durationSeconds float64, err error) {
	if target == "" || operation == "" {
		return
	}
	key := upstreamMetricKey{Target: target, Operation: operation}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	row, ok := m[key]
	if !ok {
		row = &timedSeries{}
		m[key] = row
	}
	row.observe(durationSeconds, err)
}

func recordChatEvent(event, outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		outcome = "unknown"
	}
	metricsMu.Lock()
	chatEventSeries[chatEventKey{Event: event, Outcome: outcome}]++
	metricsMu.Unlock()
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func processCPUSeconds() (float64, bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	user := float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
	sys := float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
	return user + sys, true
}

type ioStats struct {
	ReadBytes  uint64
	WriteBytes uint64
}

func processIOStats() *ioStats {
	b, err := os.ReadFile("/proc/self/io")
	if err != nil {
		return nil
	}
	out := &ioStats{}
	for _, line := range strings.Split(string(b), "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "read_bytes":
			out.ReadBytes = v
		case "write_bytes":
			out.WriteBytes = v
		}
	}
	return out
}
