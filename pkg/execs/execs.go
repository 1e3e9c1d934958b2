package execs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plumbtool/plumb/pkg/log"
)

var (
	// ErrCommandExecution is returned when command execution fails.
	ErrCommandExecution = errors.New("run")

	// ErrEmptyCommand is returned when a command is empty.
	ErrEmptyCommand = errors.New("empty command")
)

// Command is a program invocation.
type Command struct {
	Command string
	Args    []string
}

// Split shell-splits a resolved command line into a [Command].
func Split(line string) (Command, error) {
	words, err := shellwords.Parse(line)
	if err != nil {
		return Command{}, fmt.Errorf("split command line %q: %w", line, err)
	}

	if len(words) == 0 {
		return Command{}, ErrEmptyCommand
	}

	return Command{Command: words[0], Args: words[1:]}, nil
}

func (c Command) String() string {
	return strings.TrimSpace(fmt.Sprintf("%s %s", c.Command, strings.Join(c.Args, " ")))
}

// Result holds the output of a finished command.
type Result struct {
	Stdout string
	Stderr string
}

// Executor runs commands in a fixed working directory, inheriting the
// caller's environment.
type Executor struct {
	tracer trace.Tracer
	dir    string
}

// NewExecutor creates an [Executor]. An empty dir runs commands in the
// process working directory.
func NewExecutor(dir string) Executor {
	return Executor{
		tracer: otel.Tracer("executor"),
		dir:    dir,
	}
}

func (e Executor) Exec(ctx context.Context, c Command) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "exec", trace.WithAttributes(
		attribute.String("command", c.String()),
	))
	defer span.End()

	if c.Command == "" {
		return nil, ErrEmptyCommand
	}

	logger := log.WithContext(ctx).With(
		slog.String("command", c.String()),
	)

	start := time.Now()

	//nolint:gosec // G204: Subprocess launched with a potential tainted input or cmd arguments.
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = e.dir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		logger.DebugContext(ctx, "command failed",
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err),
		)

		if stdout.Len() > 0 || stderr.Len() > 0 {
			return result, fmt.Errorf("%w: %w", ErrCommandExecution, err)
		}

		return nil, fmt.Errorf("%w: %w", ErrCommandExecution, err)
	}

	logger.DebugContext(ctx, "command executed successfully",
		slog.Duration("duration", time.Since(start)),
	)

	return result, nil
}
