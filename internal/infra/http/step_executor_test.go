package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"batch-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSendsPropertiesAsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte("range=" + r.URL.Query().Get("range")))
	}))
	defer srv.Close()

	step := &domain.StepDefinition{Name: "load", ExecutorType: domain.ExecutorTypeHTTP,
		Executor: domain.StepExecutorSpec{URL: srv.URL + "/run", Method: http.MethodPost}}
	out, err := NewHttpStepExecutor().Execute(context.Background(), step, map[string]string{"range": "0-99"})
	require.NoError(t, err)
	assert.Equal(t, "range=0-99", out)
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	step := &domain.StepDefinition{Name: "load", ExecutorType: domain.ExecutorTypeHTTP,
		Executor:    domain.StepExecutorSpec{URL: srv.URL},
		RetryPolicy: &domain.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}}
	out, err := NewHttpStepExecutor().Execute(context.Background(), step, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	step := &domain.StepDefinition{Name: "load", ExecutorType: domain.ExecutorTypeHTTP,
		Executor:    domain.StepExecutorSpec{URL: srv.URL},
		RetryPolicy: &domain.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}}
	_, err := NewHttpStepExecutor().Execute(context.Background(), step, nil)
	assert.ErrorContains(t, err, "non-retriable")
	assert.Equal(t, int32(1), calls.Load())
}
