package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"batch-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a single shell step.
const DefaultTimeout = 30 * time.Second

type shellStepExecutor struct {
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewShellStepExecutor returns the executor for shell steps. A zero timeout
// means DefaultTimeout.
func NewShellStepExecutor(timeout time.Duration, logger *slog.Logger) domain.StepExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &shellStepExecutor{
		timeout: timeout,
		logger:  logger.With("executor_type", "shell"),
		tracer:  otel.Tracer("batch-dispatch-shell-executor"),
	}
}

// Execute runs the step command with bash. Properties are exported as
// BATCH_<NAME> environment variables.
func (e *shellStepExecutor) Execute(ctx context.Context, step *domain.StepDefinition, props map[string]string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.shell.Execute",
		trace.WithAttributes(
			attribute.String("step.name", step.Name),
			attribute.String("step.command", step.Executor.Command),
		))
	defer span.End()

	e.logger.Info("executing shell step", "command", step.Executor.Command, "step", step.Name)

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", step.Executor.Command)
	cmd.Env = append(os.Environ(), propertyEnv(props)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	errOutput := stderr.String()

	if errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", errOutput))
		if output != "" {
			output = fmt.Sprintf("[STDERR]:\n%s\n[STDOUT]:\n%s", errOutput, output)
		} else {
			output = fmt.Sprintf("[STDERR]:\n%s", errOutput)
		}
	}

	if err != nil {
		span.SetStatus(codes.Error, "shell step failed")
		span.RecordError(err)
		return output, fmt.Errorf("shell command failed: %w", err)
	}

	e.logger.Info("shell step executed successfully", "step", step.Name)
	return output, nil
}

func propertyEnv(props map[string]string) []string {
	env := make([]string, 0, len(props))
	for k, v := range props {
		name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(k))
		env = append(env, "BATCH_"+name+"="+v)
	}
	sort.Strings(env)
	return env
}
