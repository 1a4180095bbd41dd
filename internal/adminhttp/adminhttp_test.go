package adminhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/recursive-emergence/terrascan/internal/cache"
	"github.com/recursive-emergence/terrascan/internal/controller"
	"github.com/recursive-emergence/terrascan/internal/executor"
	"github.com/recursive-emergence/terrascan/internal/sampler"
	"github.com/recursive-emergence/terrascan/internal/snapshot"
	"github.com/recursive-emergence/terrascan/internal/timeutil"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T) (*http.ServeMux, *controller.Service) {
	t.Helper()
	c := cache.NewMemCache()
	smplr := &sampler.SyntheticSampler{}
	renderer := snapshot.NewPlotRenderer()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	svc := controller.New(c, smplr, renderer, executor.Config{Workers: 2, MaxAttempts: 1}, 16, clock)

	mux := http.NewServeMux()
	Attach(mux, svc, nil)
	return mux, svc
}

// Debug routes are wrapped by tsweb.Debugger, which enforces its own
// authorization outside of tests — the only thing worth asserting here
// is that each route is actually registered (never a bare 404), mirroring
// the corpus's own AttachAdminRoutes tests.
func assertRegistered(t *testing.T, mux *http.ServeMux, method, path string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code == http.StatusNotFound {
		t.Errorf("route %s %s should be registered, got 404", method, path)
	}
}

func TestAttachRegistersAllDebugRoutes(t *testing.T) {
	mux, _ := newTestMux(t)

	assertRegistered(t, mux, http.MethodGet, "/debug/terrascan/tasks")
	assertRegistered(t, mux, http.MethodGet, "/debug/terrascan/tasks/some-id")
	assertRegistered(t, mux, http.MethodGet, "/debug/terrascan/tail?task=some-id")
	assertRegistered(t, mux, http.MethodGet, "/debug/terrascan/snapshot?task=some-id&level=0")
	assertRegistered(t, mux, http.MethodGet, "/debug/terrascan/progress")
}

func TestAttachWithoutRegistryDoesNotMountTailsql(t *testing.T) {
	mux, _ := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWriteTaskErrorMapsSentinelsToStatusCodes(t *testing.T) {
	w := httptest.NewRecorder()
	writeTaskError(w, controller.ErrTaskNotFound)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	writeTaskError(w, controller.ErrBusGone)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	writeTaskError(w, controller.ErrAlreadyRunning)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestShortTaskLabelTruncatesLongIDs(t *testing.T) {
	task := cache.Task{TaskID: "0123456789abcdef", Status: cache.TaskRunning}
	label := shortTaskLabel(task)
	require.Equal(t, "01234567 (running)", label)
}
