package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/leakwatch/internal/api/dto"
	"github.com/cuongbtq/leakwatch/internal/api/handler"
	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/orchestrator"
	"github.com/cuongbtq/leakwatch/internal/queue"
	"github.com/cuongbtq/leakwatch/internal/schedule"
	"github.com/cuongbtq/leakwatch/internal/storage/memory"
	"github.com/cuongbtq/leakwatch/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPlatforms struct{}

func (staticPlatforms) Names() []string { return []string{"reddit", "tumblr"} }

func (staticPlatforms) Health(context.Context) map[string]bool {
	return map[string]bool{"reddit": true, "tumblr": true}
}

type apiFixture struct {
	router *gin.Engine
	store  *memory.Store
	broker *queue.MemoryBroker
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var cfg config.Config
	cfg.ApplyDefaults()
	policy, err := schedule.NewPolicy(cfg.Schedule)
	require.NoError(t, err)

	store := memory.NewStore(nil)
	broker := queue.NewMemoryBroker()
	orch := orchestrator.New(orchestrator.Config{
		Jobs:       store,
		Results:    store,
		Schedules:  store,
		Tiers:      store,
		Workers:    store,
		Broker:     broker,
		Policy:     policy,
		Platforms:  staticPlatforms{},
		MaxRetries: 3,
		Logger:     logger.Discard(),
	})

	r := SetupRouter(&handler.Dependencies{Logger: logger.Discard(), Orchestrator: orch})
	return &apiFixture{router: r, store: store, broker: broker}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func scanBody(profileID, userID string) map[string]any {
	return map[string]any{
		"profile_id":   profileID,
		"user_id":      userID,
		"profile_data": map[string]any{"username": "jane", "aliases": []string{"janey"}},
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestScheduleAndPollScan(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/scan/immediate", scanBody("p1", "u1"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[dto.ScheduleScanResponse](t, w)
	_, err := uuid.Parse(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "immediate", resp.Kind)

	w = f.do(t, http.MethodGet, "/api/v1/scan/"+resp.JobID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, "urgent", job.Priority)

	ctx := context.Background()
	for i, score := range []float64{0.9, 0.3} {
		_, err := f.store.SaveMatch(ctx, &domain.MatchCandidate{
			ID:                     uuid.NewString(),
			JobID:                  resp.JobID,
			URL:                    "https://example.com/leak",
			CrawledFingerprintID:   []string{"c1", "c2"}[i],
			ReferenceFingerprintID: "r1",
			Score:                  score,
			Confidence:             domain.ConfidenceHigh,
			CreatedAt:              time.Now(),
		})
		require.NoError(t, err)
	}

	w = f.do(t, http.MethodGet, "/api/v1/scan/"+resp.JobID+"/results?minConfidence=0.5&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	results := decode[orchestrator.ScanResults](t, w)
	assert.Equal(t, 1, results.Total)
	assert.False(t, results.Complete)
	require.Len(t, results.Matches, 1)
	assert.InDelta(t, 0.9, results.Matches[0].Score, 1e-9)

	w = f.do(t, http.MethodDelete, "/api/v1/scan/"+resp.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode[dto.JobDTO](t, w).Status)

	w = f.do(t, http.MethodPost, "/api/v1/scan/"+resp.JobID+"/rematch", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/v1/scan/immediate", map[string]any{"profile_id": "p1"}, http.StatusBadRequest},
		{"unknown platform", http.MethodPost, "/api/v1/scan/comprehensive", func() any {
			b := scanBody("p1", "u1")
			b["platforms"] = []string{"myspace"}
			return b
		}(), http.StatusBadRequest},
		{"bad job id", http.MethodGet, "/api/v1/scan/nope/status", nil, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/v1/scan/" + uuid.NewString() + "/status", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/v1/scan/" + uuid.NewString() + "/results?limit=500", nil, http.StatusBadRequest},
		{"non-numeric offset", http.MethodGet, "/api/v1/scan/" + uuid.NewString() + "/results?offset=x", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestComprehensiveScan_TierLimit(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/scan/comprehensive", scanBody("p1", "free-user"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/scan/comprehensive", scanBody("p1", "free-user"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	d, ok, err := f.broker.Get(context.Background(), queue.LaneUrgent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.TaskScan, d.Task.Type)
}

func TestEnrollProfileAndStats(t *testing.T) {
	f := newAPIFixture(t)
	f.store.SetTier("u1", domain.TierPremium)

	w := f.do(t, http.MethodPost, "/api/v1/profiles/p1/schedule", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s := decode[dto.ScheduleDTO](t, w)
	assert.Equal(t, "continuous", s.Frequency)
	assert.NotEmpty(t, s.NextScanAt)

	f.do(t, http.MethodPost, "/api/v1/scan/schedule-daily", scanBody("p2", "u2"))

	w = f.do(t, http.MethodGet, "/api/v1/orchestrator/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[orchestrator.Stats](t, w)
	assert.Equal(t, 1, stats.PendingScans)
	assert.Equal(t, 1, stats.QueueDepth[string(queue.LaneScheduled)])
	assert.True(t, stats.PlatformHealth["reddit"])
}
