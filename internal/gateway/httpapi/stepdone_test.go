package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/pipeline"
	"github.com/camdev/cam/internal/pipeline/hook"
)

type fakeNotifier struct {
	err  error
	seen []string
}

func (f *fakeNotifier) NotifyStepCompleted(_ context.Context, token, pipelineID, taskID string) error {
	f.seen = append(f.seen, token+"|"+pipelineID+"|"+taskID)
	return f.err
}

func newRouter(t *testing.T, notifier *fakeNotifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	r := gin.New()
	NewStepDoneHandler(notifier, log).Register(r)
	return r
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, hook.StepDonePath, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestStepDoneAccepts(t *testing.T) {
	notifier := &fakeNotifier{}
	r := newRouter(t, notifier)

	w := post(r, `{"token":"tok-1","pipelineId":"p1","taskId":"t1"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, notifier.seen, 1)
	assert.Equal(t, "tok-1|p1|t1", notifier.seen[0])
}

func TestStepDoneRejectsBadToken(t *testing.T) {
	r := newRouter(t, &fakeNotifier{err: pipeline.ErrInvalidToken})
	w := post(r, `{"token":"used","pipelineId":"p1","taskId":"t1"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStepDoneRejectsMissingFields(t *testing.T) {
	notifier := &fakeNotifier{}
	r := newRouter(t, notifier)

	for _, body := range []string{
		`{}`,
		`{"token":"x"}`,
		`{"token":"x","pipelineId":"p1"}`,
		`not json`,
	} {
		w := post(r, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
	assert.Empty(t, notifier.seen, "invalid requests never reach the engine")
}

func TestStepDoneConflictOnNodeState(t *testing.T) {
	r := newRouter(t, &fakeNotifier{err: context.DeadlineExceeded})
	w := post(r, `{"token":"tok","pipelineId":"p1","taskId":"t1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}
