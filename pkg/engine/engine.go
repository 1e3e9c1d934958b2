package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plumbtool/plumb/pkg/execs"
	"github.com/plumbtool/plumb/pkg/fetch"
	"github.com/plumbtool/plumb/pkg/log"
	"github.com/plumbtool/plumb/pkg/message"
	"github.com/plumbtool/plumb/pkg/notify"
	"github.com/plumbtool/plumb/pkg/rules"
)

// DefaultMaxDepth bounds re-injection chains when no limit is configured.
const DefaultMaxDepth = 8

var (
	// ErrRecursionLimit is returned when a chain of plumb re-injections
	// exceeds the configured depth.
	ErrRecursionLimit = errors.New("plumb recursion limit exceeded")

	// ErrActionFailed wraps failures of dispatched actions.
	ErrActionFailed = errors.New("action failed")

	// ErrNoRules is returned when an engine is created without rules.
	ErrNoRules = errors.New("no rules")
)

// CommandRunner executes resolved run actions.
type CommandRunner interface {
	Exec(ctx context.Context, c execs.Command) (*execs.Result, error)
}

// Downloader fetches resolved download actions, returning a local file path.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (string, error)
}

// Notifier shows resolved notify actions.
type Notifier interface {
	Notify(title, body string) error
}

// Engine matches messages against an immutable rule sequence and dispatches
// the first matching rule's actions. The engine holds no mutable state
// across messages, so one engine may evaluate independent messages
// concurrently.
type Engine struct {
	tracer   trace.Tracer
	runner   CommandRunner
	fetcher  Downloader
	notifier Notifier
	client   *http.Client
	saveDir  string
	rules    []*rules.Rule
	maxDepth int
}

// Opt is a functional option for configuring an [Engine].
type Opt func(*Engine)

// WithRules sets the ordered rule sequence.
func WithRules(rs []*rules.Rule) Opt {
	return func(e *Engine) {
		e.rules = rs
	}
}

// WithRunner replaces the run action collaborator.
func WithRunner(r CommandRunner) Opt {
	return func(e *Engine) {
		e.runner = r
	}
}

// WithDownloader replaces the download action collaborator.
func WithDownloader(d Downloader) Opt {
	return func(e *Engine) {
		e.fetcher = d
	}
}

// WithNotifier replaces the notify action collaborator.
func WithNotifier(n Notifier) Opt {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithMaxDepth sets the plumb re-injection depth limit.
func WithMaxDepth(n int) Opt {
	return func(e *Engine) {
		e.maxDepth = n
	}
}

// WithHTTPClient sets the client used for MIME type lookups.
func WithHTTPClient(c *http.Client) Opt {
	return func(e *Engine) {
		e.client = c
	}
}

// WithSaveDir sets the directory for save actions.
func WithSaveDir(dir string) Opt {
	return func(e *Engine) {
		e.saveDir = dir
	}
}

// New creates an [Engine]. Rules are required; collaborators default to
// local execution, HTTP download, and desktop notifications.
func New(opts ...Opt) (*Engine, error) {
	e := &Engine{
		tracer:   otel.Tracer("engine"),
		maxDepth: DefaultMaxDepth,
		saveDir:  os.TempDir(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if len(e.rules) == 0 {
		return nil, ErrNoRules
	}

	if e.runner == nil {
		e.runner = execs.NewExecutor("")
	}
	if e.fetcher == nil {
		e.fetcher = fetch.NewFetcher()
	}
	if e.notifier == nil {
		e.notifier = notify.NewNotifier(true)
	}

	return e, nil
}

// MustNew creates an [Engine] and panics if there's an error.
func MustNew(opts ...Opt) *Engine {
	e, err := New(opts...)
	if err != nil {
		panic(err)
	}

	return e
}

// Match finds the first rule whose every condition passes against msg,
// strictly in file order. Captures and rewrites accumulate on the message;
// a rule that fails partway has its writes rolled back before the next rule
// is tried.
func (e *Engine) Match(ctx context.Context, msg *message.Message) (*rules.Rule, bool) {
	return e.match(ctx, msg, message.NewDetector(e.client))
}

func (e *Engine) match(ctx context.Context, msg *message.Message, det *message.Detector) (*rules.Rule, bool) {
	for _, r := range e.rules {
		if e.evalRule(ctx, r, msg, det) {
			log.WithContext(ctx).Info("rule matched", slog.String("rule", r.Name))

			return r, true
		}

		msg.Revert()
	}

	return nil, false
}

func (e *Engine) evalRule(ctx context.Context, r *rules.Rule, msg *message.Message, det rules.TypeDetector) bool {
	log.WithContext(ctx).Debug("matching against rule", slog.String("rule", r.Name))

	for i := range r.Conditions {
		if !r.Conditions[i].Eval(ctx, msg, det) {
			return false
		}
	}

	return true
}

// Handle matches msg and dispatches the matching rule's actions in order.
// The boolean reports whether any rule matched; a failing action stops the
// remaining actions of the rule.
func (e *Engine) Handle(ctx context.Context, msg *message.Message) (bool, error) {
	// One detector per chain: re-injected messages reuse cached MIME
	// lookups instead of re-querying.
	return e.handle(ctx, msg, message.NewDetector(e.client), 0)
}

func (e *Engine) handle(ctx context.Context, msg *message.Message, det *message.Detector, depth int) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "handle", trace.WithAttributes(
		attribute.String("kind", string(msg.Kind())),
		attribute.Int("depth", depth),
	))
	defer span.End()

	r, ok := e.match(ctx, msg, det)
	if !ok {
		log.WithContext(ctx).Info("no rule matched")

		return false, nil
	}

	msg.Set("rule_name", r.Name)

	for _, a := range r.Actions {
		err := e.dispatch(ctx, a, msg, det, depth)
		if err != nil {
			return true, fmt.Errorf("rule [%s]: %w", r.Name, err)
		}
	}

	return true, nil
}

// dispatch resolves the action's argument template and executes it.
// Template resolution is total: an unresolvable placeholder aborts the
// action before anything runs.
func (e *Engine) dispatch(ctx context.Context, a rules.Action, msg *message.Message, det *message.Detector, depth int) error {
	arg, err := msg.Expand(a.Template)
	if err != nil {
		return fmt.Errorf("%s action: %w", a.Verb, err)
	}

	logger := log.WithContext(ctx).With(
		slog.String("verb", string(a.Verb)),
		slog.String("argument", arg),
	)
	logger.Info("executing action")

	switch a.Verb {
	case rules.ActionRun:
		return e.runAction(ctx, arg)

	case rules.ActionDownload:
		path, err := e.fetcher.Download(ctx, arg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrActionFailed, err)
		}

		msg.Set("filename", path)

		return nil

	case rules.ActionNotify:
		title, _ := msg.Get("rule_name")

		err := e.notifier.Notify(title, arg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrActionFailed, err)
		}

		return nil

	case rules.ActionSave:
		return e.saveAction(msg)

	case rules.ActionPlumb:
		return e.plumbAction(ctx, arg, det, depth)
	}

	return fmt.Errorf("%w: unknown verb %q", ErrActionFailed, a.Verb)
}

func (e *Engine) runAction(ctx context.Context, arg string) error {
	cmd, err := execs.Split(arg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}

	res, err := e.runner.Exec(ctx, cmd)
	if err != nil {
		if res != nil && res.Stderr != "" {
			log.WithContext(ctx).Debug("command stderr", slog.String("stderr", res.Stderr))
		}

		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}

	return nil
}

// saveAction writes the message data to a file and records its path under
// the `data_file` field for later actions in the same rule.
func (e *Engine) saveAction(msg *message.Message) error {
	f, err := os.CreateTemp(e.saveDir, "plumb-save-*")
	if err != nil {
		return fmt.Errorf("%w: create save file: %w", ErrActionFailed, err)
	}

	_, err = f.WriteString(msg.Data())
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: write save file: %w", ErrActionFailed, err)
	}

	msg.Set("data_file", f.Name())

	return nil
}

// plumbAction re-injects the resolved value as a new message for recursive
// matching. The depth counter travels down the chain; a chain at exactly
// the limit still dispatches, one past it fails.
func (e *Engine) plumbAction(ctx context.Context, arg string, det *message.Detector, depth int) error {
	if depth+1 > e.maxDepth {
		return fmt.Errorf("%w: depth %d", ErrRecursionLimit, depth+1)
	}

	kind, data := message.Guess([]byte(arg))

	log.WithContext(ctx).Debug("re-injecting message",
		slog.String("kind", string(kind)),
		slog.Int("depth", depth+1),
	)

	_, err := e.handle(ctx, message.New(kind, data), det, depth+1)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}

	return nil
}
