package labapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, Options{RateLimit: 1000, RateBurst: 100})
}

func TestClient_Summary(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reports/summary", r.URL.Path)
		_, _ = w.Write([]byte(`[{"status":"NORMAL","count":10},{"status":"CRITICAL","count":2}]`))
	}))

	rows, err := c.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, SummaryRow{Status: StatusNormal, Count: 10}, rows[0])
}

func TestClient_UnreviewedCriticalAcceptsNumericSubject(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"subject_id":10001234,"test_name":"Potassium","value":6.9,"unit":"mEq/L"},{"subject_id":"abc","test_name":"Sodium","value":118,"unit":null}]`))
	}))

	rows, err := c.UnreviewedCritical(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, SubjectID("10001234"), rows[0].SubjectID)
	assert.Equal(t, SubjectID("abc"), rows[1].SubjectID)
	assert.Equal(t, "", rows[1].Unit)
}

func TestClient_AskPostsQuestion(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/patient/42/ask", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "any critical values?", body["question"])
		_, _ = w.Write([]byte(`{"answer":"Two critical potassium values.","confidence_score":0.87}`))
	}))

	ans, err := c.Ask(context.Background(), " 42 ", "any critical values?")
	require.NoError(t, err)
	assert.Equal(t, "Two critical potassium values.", ans.Answer)
	assert.InDelta(t, 0.87, ans.ConfidenceScore, 1e-9)
}

func TestClient_AISummaryPending(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"Generating AI summary."}`))
	}))

	s, err := c.AISummary(context.Background(), "7")
	require.NoError(t, err)
	assert.False(t, s.Ready())
	assert.Equal(t, "Generating AI summary.", s.Message)
}

func TestAISummary_Ready(t *testing.T) {
	assert.False(t, AISummary{}.Ready())
	assert.False(t, AISummary{Message: "Generating AI summary."}.Ready())
	assert.True(t, AISummary{Summary: " "}.Ready())
	assert.True(t, AISummary{Summary: "Potassium is elevated."}.Ready())
}

func TestClient_SubjectIsPathEscaped(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/patient/a%2Fb/abnormal", r.URL.RawPath)
		_, _ = w.Write([]byte(`[]`))
	}))

	_, err := c.Abnormal(context.Background(), "a/b")
	require.NoError(t, err)
}

func TestClient_NonSuccessStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	_, err := c.ByLab(context.Background())
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, "boom", se.Body)
}

func TestClient_MalformedJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))

	_, err := c.ByGender(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode GET /reports/by-gender")
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, Options{RateLimit: 1000, RateBurst: 100, TripAfterFailure: 2})

	for i := 0; i < 2; i++ {
		_, err := c.Summary(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.Summary(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_DisabledAndNotFound(t *testing.T) {
	c := NewClient("", Options{})
	assert.False(t, c.Enabled())
	_, err := c.Summary(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	for i := 0; i < 10; i++ {
		_, _ = c.Abnormal(context.Background(), "1")
	}
	assert.Equal(t, "closed", c.BreakerState())
}
