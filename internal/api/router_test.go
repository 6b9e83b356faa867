package api

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-audit/internal/audit"
	"github.com/ChuLiYu/beaver-audit/internal/cache"
	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/internal/metrics"
	"github.com/ChuLiYu/beaver-audit/internal/tasks"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// stubTransport 每個 family 固定回傳同一個狀態
type stubTransport struct {
	mu     sync.Mutex
	seq    int
	status jobclient.RawStatus
}

func (s *stubTransport) Submit(_ context.Context, family types.JobFamily, _ map[string]any) (types.RemoteJobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return types.RemoteJobHandle{TaskID: fmt.Sprintf("stub-%d", s.seq), Family: family}, nil
}

func (s *stubTransport) Poll(context.Context, types.RemoteJobHandle) (jobclient.RawStatus, error) {
	return s.status, nil
}

const scrapeBody = `[{"url":"https://joes.example","status_code":200,"meta":{"title":"Joe's","description":"Best slice"}}]`

func doneStatus() jobclient.RawStatus {
	return jobclient.RawStatus{Code: jobclient.StatusOK, Result: json.RawMessage(scrapeBody)}
}

func pendingStatus() jobclient.RawStatus {
	return jobclient.RawStatus{Code: jobclient.StatusInProgress}
}

func setupRouter(t *testing.T, status jobclient.RawStatus) (http.Handler, *audit.Service) {
	t.Helper()
	spec := types.JobSpec{MaxWait: 5 * time.Second, PollInterval: time.Millisecond, MaxRetries: 2}
	cfg := audit.DefaultConfig()
	cfg.Jobs = map[types.JobFamily]types.JobSpec{
		types.FamilyReviews:   spec,
		types.FamilyScrape:    spec,
		types.FamilyRankCheck: spec,
	}
	collector := metrics.NewCollector(prometheus.NewRegistry())
	svc := audit.NewService(&stubTransport{status: status},
		tasks.NewRegistry(tasks.WithPruneDelay(time.Hour), tasks.WithListener(collector)),
		cache.New(), cfg, audit.WithObserver(collector))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return NewRouter(svc, collector.Handler()), svc
}

func request(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func switchTo(t *testing.T, h http.Handler, id, label string) {
	t.Helper()
	w := request(t, h, http.MethodPut, "/api/subjects/active", obj{"id": id, "label": label})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

type obj = map[string]any

// ============================================================================
// Unit Tests
// ============================================================================

func TestHealthz(t *testing.T) {
	h, _ := setupRouter(t, doneStatus())
	w := request(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestSwitchSubject(t *testing.T) {
	h, _ := setupRouter(t, doneStatus())

	w := request(t, h, http.MethodPut, "/api/subjects/active", obj{"id": "biz-1", "label": "Joe's Pizza"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, "biz-1", body["id"])

	// 同一個 subject 不算切換
	w = request(t, h, http.MethodPut, "/api/subjects/active", obj{"id": "biz-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["changed"])

	w = request(t, h, http.MethodPut, "/api/subjects/active", obj{"label": "missing id"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, h, http.MethodGet, "/api/subjects/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	live := decode(t, w)["live"].(map[string]any)
	assert.Equal(t, "Joe's Pizza", live["subject_label"])
}

func TestStartScrape_ResultCached(t *testing.T) {
	h, svc := setupRouter(t, doneStatus())
	switchTo(t, h, "biz-1", "Joe's Pizza")

	w := request(t, h, http.MethodPost, "/api/subjects/biz-1/scrape", obj{"url": "https://joes.example"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	taskID, _ := decode(t, w)["taskId"].(string)
	require.NotEmpty(t, taskID)

	svc.Wait()

	task, found := svc.Registry().Get(taskID)
	require.True(t, found)
	assert.Equal(t, types.TaskCompleted, task.Status)

	w = request(t, h, http.MethodGet, "/api/subjects/biz-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entry := decode(t, w)
	assert.Contains(t, entry, "scraped_data")
	assert.NotContains(t, entry, "review_data")
}

func TestStartScrape_MissingURL(t *testing.T) {
	h, svc := setupRouter(t, doneStatus())
	w := request(t, h, http.MethodPost, "/api/subjects/biz-1/scrape", obj{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.Registry().List())
}

func TestStartReviews_AlreadyRunning(t *testing.T) {
	h, _ := setupRouter(t, pendingStatus())
	switchTo(t, h, "biz-1", "Joe's Pizza")

	w := request(t, h, http.MethodPost, "/api/subjects/biz-1/reviews", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = request(t, h, http.MethodPost, "/api/subjects/biz-1/reviews", obj{"depth": 50})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStartGrid_Validation(t *testing.T) {
	tests := []struct {
		name string
		body obj
		want int
	}{
		{"bad size", obj{"keyword": "pizza", "lat": 40.0, "lng": -75.0, "radiusMiles": 1, "gridSize": 4}, http.StatusBadRequest},
		{"bad radius", obj{"keyword": "pizza", "lat": 40.0, "lng": -75.0, "radiusMiles": 3, "gridSize": 3}, http.StatusBadRequest},
		{"missing lat", obj{"keyword": "pizza", "lng": -75.0, "radiusMiles": 1, "gridSize": 3}, http.StatusBadRequest},
		{"missing keyword", obj{"lat": 40.0, "lng": -75.0, "radiusMiles": 1, "gridSize": 3}, http.StatusBadRequest},
		{"ok", obj{"keyword": "pizza", "lat": 40.0, "lng": -75.0, "radiusMiles": 1, "gridSize": 3}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupRouter(t, pendingStatus())
			w := request(t, h, http.MethodPost, "/api/subjects/biz-1/grid", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestStartRankCheck(t *testing.T) {
	h, _ := setupRouter(t, pendingStatus())
	w := request(t, h, http.MethodPost, "/api/subjects/biz-1/rank", obj{"keyword": "pizza", "lat": 0.0, "lng": 0.0})
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestGetSubject_NotFound(t *testing.T) {
	h, _ := setupRouter(t, doneStatus())
	w := request(t, h, http.MethodGet, "/api/subjects/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateLive(t *testing.T) {
	h, _ := setupRouter(t, doneStatus())

	w := request(t, h, http.MethodPatch, "/api/subjects/active", obj{"score": 72.5})
	assert.Equal(t, http.StatusConflict, w.Code, "no active subject yet")

	switchTo(t, h, "biz-1", "Joe's Pizza")

	w = request(t, h, http.MethodPatch, "/api/subjects/active", obj{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, h, http.MethodPatch, "/api/subjects/active", obj{"score": 72.5})
	require.Equal(t, http.StatusOK, w.Code)
	live := decode(t, w)["live"].(map[string]any)
	assert.InDelta(t, 72.5, live["score"], 0.001)
}

func TestTasks_ListAndClear(t *testing.T) {
	h, svc := setupRouter(t, doneStatus())
	switchTo(t, h, "biz-1", "Joe's Pizza")

	w := request(t, h, http.MethodPost, "/api/subjects/biz-1/scrape", obj{"url": "https://joes.example"})
	require.Equal(t, http.StatusAccepted, w.Code)
	svc.Wait()

	w = request(t, h, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["tasks"], 1)

	w = request(t, h, http.MethodGet, "/api/tasks?subject=other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["tasks"])

	w = request(t, h, http.MethodGet, "/api/tasks?subject=biz-1&family=scrape", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["tasks"], 1)

	w = request(t, h, http.MethodGet, "/api/tasks?family=reviews", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["tasks"])

	w = request(t, h, http.MethodGet, "/api/tasks?family=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, h, http.MethodDelete, "/api/tasks/finished", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["removed"])
	assert.Empty(t, svc.Registry().List())
}

func TestMetricsEndpoint(t *testing.T) {
	h, svc := setupRouter(t, doneStatus())
	switchTo(t, h, "biz-1", "Joe's Pizza")
	request(t, h, http.MethodPost, "/api/subjects/biz-1/scrape", obj{"url": "https://joes.example"})
	svc.Wait()

	w := request(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `audit_job_outcomes_total{family="scrape",result="success"} 1`)
}
