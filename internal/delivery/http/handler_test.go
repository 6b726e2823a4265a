package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubTask is a ScanStarter with scripted results.
type stubTask struct {
	name    string
	runID   string
	started bool
	err     error
	ctxErr  error
}

func (s *stubTask) Start(ctx context.Context) (string, bool, error) {
	s.ctxErr = ctx.Err()
	return s.runID, s.started, s.err
}

func (s *stubTask) LockName() string { return s.name }

// stubRegistry holds one task per lock name.
type stubRegistry map[string]*stubTask

func (r stubRegistry) Lookup(source domain.Source, mode domain.ScanMode) (ScanStarter, error) {
	name := fmt.Sprintf("%s-%s-scan", source, mode)
	t, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", usecase.ErrNoScanTask, source, mode)
	}
	return t, nil
}

func (r stubRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	return names
}

func setupTestRouter(reg ScanRegistry, checkers map[string]Checker, rateLimit int) *gin.Engine {
	return NewRouter(reg, checkers, zap.NewNop(), rateLimit)
}

func post(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestScanHandler_Started(t *testing.T) {
	task := &stubTask{name: "sam-bulk-scan", runID: "run-123", started: true}
	router := setupTestRouter(stubRegistry{"sam-bulk-scan": task}, nil, 0)

	w := post(router, "/api/v1/scans/sam/bulk")

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-123", resp["run_id"])
	assert.Equal(t, "sam-bulk-scan", resp["lock"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"), "expected a request id header")
	assert.NoError(t, task.ctxErr, "expected a live context")
}

func TestScanHandler_Busy(t *testing.T) {
	task := &stubTask{name: "cts-daily-scan", started: false}
	router := setupTestRouter(stubRegistry{"cts-daily-scan": task}, nil, 0)

	w := post(router, "/api/v1/scans/cts/daily")

	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestScanHandler_StartFails(t *testing.T) {
	task := &stubTask{name: "sam-daily-scan", err: errors.New("lock store unavailable")}
	router := setupTestRouter(stubRegistry{"sam-daily-scan": task}, nil, 0)

	w := post(router, "/api/v1/scans/sam/daily")

	assert.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
}

func TestScanHandler_NotFound(t *testing.T) {
	router := setupTestRouter(stubRegistry{"sam-bulk-scan": &stubTask{name: "sam-bulk-scan"}}, nil, 0)

	for _, path := range []string{
		"/api/v1/scans/bcms/bulk",  // unknown source
		"/api/v1/scans/sam/weekly", // unknown mode
		"/api/v1/scans/cts/bulk",   // no task configured
	} {
		w := post(router, path)
		assert.Equal(t, http.StatusNotFound, w.Code, "%s: %s", path, w.Body.String())
	}
}

func TestScanHandler_List(t *testing.T) {
	router := setupTestRouter(stubRegistry{"sam-bulk-scan": &stubTask{name: "sam-bulk-scan"}}, nil, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"sam-bulk-scan"}, resp["scans"])
}

func TestScanHandler_RateLimited(t *testing.T) {
	task := &stubTask{name: "sam-bulk-scan", started: false}
	router := setupTestRouter(stubRegistry{"sam-bulk-scan": task}, nil, 2)

	for i := 0; i < 2; i++ {
		w := post(router, "/api/v1/scans/sam/bulk")
		require.Equal(t, http.StatusConflict, w.Code, "request %d", i)
	}

	w := post(router, "/api/v1/scans/sam/bulk")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Rate limit exceeded. Maximum 2 requests per minute.", resp["error"])
}

func TestHealthHandler(t *testing.T) {
	tests := map[string]struct {
		checkers map[string]Checker
		want     int
	}{
		"all healthy": {
			checkers: map[string]Checker{
				"postgres": func(context.Context) error { return nil },
				"rabbitmq": func(context.Context) error { return nil },
			},
			want: http.StatusOK,
		},
		"one down": {
			checkers: map[string]Checker{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			},
			want: http.StatusServiceUnavailable,
		},
		"no dependencies": {want: http.StatusOK},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			router := setupTestRouter(stubRegistry{}, tc.checkers, 0)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}
