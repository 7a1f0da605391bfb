package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"batch-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errServer marks a 5xx response, which is retried.
var errServer = errors.New("http step returned 5xx server error")

type httpStepExecutor struct {
	client *http.Client
	tracer trace.Tracer
}

// NewHttpStepExecutor returns the executor for http steps.
func NewHttpStepExecutor() domain.StepExecutor {
	return &httpStepExecutor{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		tracer: otel.Tracer("batch-dispatch-http-executor"),
	}
}

// Execute calls the step's URL and retries timeouts and 5xx responses.
// Partition properties are sent as query parameters.
func (e *httpStepExecutor) Execute(ctx context.Context, step *domain.StepDefinition, props map[string]string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.http.Execute", trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.String("http.url", step.Executor.URL),
	))
	defer span.End()

	output, err := e.executeWithRetry(ctx, step, props)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http step failed")
	}
	return output, err
}

func (e *httpStepExecutor) executeWithRetry(ctx context.Context, step *domain.StepDefinition, props map[string]string) (string, error) {
	if step.RetryPolicy == nil || step.RetryPolicy.MaxRetries == 0 {
		return e.doExecute(ctx, step, props)
	}

	var (
		lastErr error
		output  string
	)
	for i := 0; i <= step.RetryPolicy.MaxRetries; i++ {
		var err error
		output, err = e.doExecute(ctx, step, props)
		if err == nil {
			return output, nil
		}
		lastErr = err

		var netErr net.Error
		retriable := errors.Is(err, errServer) || (errors.As(err, &netErr) && netErr.Timeout())
		if !retriable {
			return output, fmt.Errorf("non-retriable error on attempt %d: %w", i+1, err)
		}
		if i == step.RetryPolicy.MaxRetries {
			break
		}

		select {
		case <-time.After(step.RetryPolicy.Backoff):
		case <-ctx.Done():
			return output, ctx.Err()
		}
	}

	return output, fmt.Errorf("step failed after %d retries: %w", step.RetryPolicy.MaxRetries, lastErr)
}

// doExecute performs a single request.
func (e *httpStepExecutor) doExecute(ctx context.Context, step *domain.StepDefinition, props map[string]string) (string, error) {
	target, err := url.Parse(step.Executor.URL)
	if err != nil {
		return "", fmt.Errorf("invalid step url: %w", err)
	}
	if len(props) > 0 {
		q := target.Query()
		for k, v := range props {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	method := step.Executor.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create http request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// 最多读取 1KB 作为输出
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return string(bodyBytes), fmt.Errorf("%w: %s", errServer, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return string(bodyBytes), fmt.Errorf("http step returned 4xx client error: %s", resp.Status)
	}

	return string(bodyBytes), nil
}
