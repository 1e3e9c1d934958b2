package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumbtool/plumb/pkg/engine"
	"github.com/plumbtool/plumb/pkg/execs"
	"github.com/plumbtool/plumb/pkg/message"
	"github.com/plumbtool/plumb/pkg/rules"
)

type fakeRunner struct {
	err  error
	cmds []execs.Command
}

func (r *fakeRunner) Exec(_ context.Context, c execs.Command) (*execs.Result, error) {
	r.cmds = append(r.cmds, c)

	return &execs.Result{}, r.err
}

type fakeDownloader struct {
	err  error
	path string
	urls []string
}

func (d *fakeDownloader) Download(_ context.Context, rawURL string) (string, error) {
	d.urls = append(d.urls, rawURL)

	return d.path, d.err
}

type notification struct {
	title string
	body  string
}

type fakeNotifier struct {
	err   error
	notes []notification
}

func (n *fakeNotifier) Notify(title, body string) error {
	n.notes = append(n.notes, notification{title: title, body: body})

	return n.err
}

func mustRules(t *testing.T, text string) []*rules.Rule {
	t.Helper()

	rs, err := rules.Parse([]byte(text))
	require.NoError(t, err)

	return rs
}

func TestNew_NoRules(t *testing.T) {
	t.Parallel()

	_, err := engine.New()
	require.ErrorIs(t, err, engine.ErrNoRules)
}

func TestEngine_Match_FirstMatchWins(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[first]
kind is text
plumb notify one

[second]
kind is text
plumb notify two
`)
	e := engine.MustNew(engine.WithRules(rs))

	r, ok := e.Match(t.Context(), message.New(message.KindText, "hello"))
	require.True(t, ok)
	assert.Equal(t, "first", r.Name)
}

func TestEngine_Match_CatchAll(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[urls]
kind is url
plumb notify url

[fallback]
plumb notify unhandled
`)
	e := engine.MustNew(engine.WithRules(rs))

	r, ok := e.Match(t.Context(), message.New(message.KindRaw, "\x00"))
	require.True(t, ok)
	assert.Equal(t, "fallback", r.Name)

	r, ok = e.Match(t.Context(), message.New(message.KindURL, "http://x"))
	require.True(t, ok)
	assert.Equal(t, "urls", r.Name)
}

func TestEngine_Match_NoMatch(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[urls]
kind is url
plumb notify url
`)
	e := engine.MustNew(engine.WithRules(rs))

	_, ok := e.Match(t.Context(), message.New(message.KindText, "hello"))
	assert.False(t, ok)
}

func TestEngine_Match_FailedRuleIsRolledBack(t *testing.T) {
	t.Parallel()

	// The first rule captures and rewrites before its final condition
	// fails. Nothing of that may leak into the second rule's view.
	rs := mustRules(t, `[leaky]
data matches ^(h\w+)
data rewrite hello,goodbye
data is never
plumb notify nope

[clean]
data is hello
plumb notify ok
`)
	e := engine.MustNew(engine.WithRules(rs))

	msg := message.New(message.KindText, "hello")

	r, ok := e.Match(t.Context(), msg)
	require.True(t, ok)
	assert.Equal(t, "clean", r.Name)
	assert.Equal(t, "hello", msg.Data())

	_, ok = msg.Get("0")
	assert.False(t, ok)
}

func TestEngine_Handle_WorkedExample(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[r1]
kind is url
arg matches {arg1} ^http
plumb download {arg1}
`)

	dl := &fakeDownloader{path: "/tmp/dl"}
	e := engine.MustNew(engine.WithRules(rs), engine.WithDownloader(dl))

	msg := message.New(message.KindURL, "http://x", message.WithField("arg1", "http://x"))

	matched, err := e.Handle(t.Context(), msg)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, []string{"http://x"}, dl.urls)

	// The download path is recorded for later actions.
	filename, ok := msg.Get("filename")
	require.True(t, ok)
	assert.Equal(t, "/tmp/dl", filename)
}

func TestEngine_Handle_NoMatch(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[urls]
kind is url
plumb notify url
`)

	n := &fakeNotifier{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithNotifier(n))

	matched, err := e.Handle(t.Context(), message.New(message.KindText, "hello"))
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Empty(t, n.notes)
}

func TestEngine_Handle_RunAction(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[web]
kind is url
plumb run xdg-open {data}
`)

	r := &fakeRunner{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithRunner(r))

	matched, err := e.Handle(t.Context(), message.New(message.KindURL, "https://example.com"))
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, r.cmds, 1)
	assert.Equal(t, "xdg-open", r.cmds[0].Command)
	assert.Equal(t, []string{"https://example.com"}, r.cmds[0].Args)
}

func TestEngine_Handle_RewriteVisibleToAction(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[upgrade]
data rewrite http://,https://
plumb run xdg-open {data}
`)

	r := &fakeRunner{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithRunner(r))

	_, err := e.Handle(t.Context(), message.New(message.KindText, "http://example.com"))
	require.NoError(t, err)
	require.Len(t, r.cmds, 1)
	assert.Equal(t, []string{"https://example.com"}, r.cmds[0].Args)
}

func TestEngine_Handle_CaptureVisibleToAction(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[vid]
arg matches {data} youtube\.com/watch\?v=(\w+)
plumb run mpv {0}
`)

	r := &fakeRunner{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithRunner(r))

	_, err := e.Handle(t.Context(), message.New(message.KindURL, "https://youtube.com/watch?v=abc123"))
	require.NoError(t, err)
	require.Len(t, r.cmds, 1)
	assert.Equal(t, []string{"abc123"}, r.cmds[0].Args)
}

func TestEngine_Handle_TemplateErrorAbortsAction(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[bad]
kind is text
plumb run echo {missing}
`)

	r := &fakeRunner{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithRunner(r))

	matched, err := e.Handle(t.Context(), message.New(message.KindText, "hello"))
	assert.True(t, matched)

	tplErr := &message.TemplateError{}
	require.ErrorAs(t, err, &tplErr)
	assert.Equal(t, "missing", tplErr.Name)

	// Nothing was executed.
	assert.Empty(t, r.cmds)
}

func TestEngine_Handle_MultipleActions(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[dl]
kind is url
plumb download {data}
plumb run xdg-open {filename}
`)

	dl := &fakeDownloader{path: "/tmp/file"}
	r := &fakeRunner{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithDownloader(dl), engine.WithRunner(r))

	_, err := e.Handle(t.Context(), message.New(message.KindURL, "https://example.com/f.pdf"))
	require.NoError(t, err)

	require.Len(t, r.cmds, 1)
	assert.Equal(t, []string{"/tmp/file"}, r.cmds[0].Args)
}

func TestEngine_Handle_FailingActionStopsRule(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[fragile]
kind is text
plumb run some-command {data}
plumb notify should not run
`)

	r := &fakeRunner{err: errors.New("exit status 1")}
	n := &fakeNotifier{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithRunner(r), engine.WithNotifier(n))

	matched, err := e.Handle(t.Context(), message.New(message.KindText, "hello"))
	assert.True(t, matched)
	require.ErrorIs(t, err, engine.ErrActionFailed)
	assert.Contains(t, err.Error(), "rule [fragile]")

	assert.Len(t, r.cmds, 1)
	assert.Empty(t, n.notes)
}

func TestEngine_Handle_NotifyUsesRuleName(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[greeting]
kind is text
plumb notify hello from {data}
`)

	n := &fakeNotifier{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithNotifier(n))

	_, err := e.Handle(t.Context(), message.New(message.KindText, "tests"))
	require.NoError(t, err)

	require.Len(t, n.notes, 1)
	assert.Equal(t, "greeting", n.notes[0].title)
	assert.Equal(t, "hello from tests", n.notes[0].body)
}

func TestEngine_Handle_SaveAction(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[stash]
kind is text
plumb save
plumb run cat {data_file}
`)

	dir := t.TempDir()
	r := &fakeRunner{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithRunner(r), engine.WithSaveDir(dir))

	_, err := e.Handle(t.Context(), message.New(message.KindText, "payload"))
	require.NoError(t, err)

	require.Len(t, r.cmds, 1)
	require.Len(t, r.cmds[0].Args, 1)

	saved := r.cmds[0].Args[0]
	data, err := os.ReadFile(saved) //nolint:gosec // G304: test-controlled path.
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestEngine_Handle_PlumbReinjection(t *testing.T) {
	t.Parallel()

	// The video id is extracted from the URL, then re-injected as a fresh
	// text message that a second rule picks up.
	rs := mustRules(t, `[extract]
kind is url
arg matches {data} v=(\w+)
plumb plumb id:{0}

[ids]
data matches ^id:
plumb run handle-id {data}
`)

	r := &fakeRunner{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithRunner(r))

	_, err := e.Handle(t.Context(), message.New(message.KindURL, "https://youtube.com/watch?v=abc"))
	require.NoError(t, err)

	require.Len(t, r.cmds, 1)
	assert.Equal(t, "handle-id", r.cmds[0].Command)
	assert.Equal(t, []string{"id:abc"}, r.cmds[0].Args)
}

func TestEngine_Handle_RecursionLimit(t *testing.T) {
	t.Parallel()

	// a -> b -> c is a chain of two re-injections: c dispatches at depth 2.
	chain := `[a]
data is a
plumb plumb b

[b]
data is b
plumb plumb c

[c]
data is c
plumb notify done
`

	t.Run("chain at the limit dispatches", func(t *testing.T) {
		t.Parallel()

		n := &fakeNotifier{}
		e := engine.MustNew(
			engine.WithRules(mustRules(t, chain)),
			engine.WithNotifier(n),
			engine.WithMaxDepth(2),
		)

		matched, err := e.Handle(t.Context(), message.New(message.KindText, "a"))
		require.NoError(t, err)
		assert.True(t, matched)
		require.Len(t, n.notes, 1)
		assert.Equal(t, "c", n.notes[0].title)
	})

	t.Run("chain past the limit fails", func(t *testing.T) {
		t.Parallel()

		n := &fakeNotifier{}
		e := engine.MustNew(
			engine.WithRules(mustRules(t, chain)),
			engine.WithNotifier(n),
			engine.WithMaxDepth(1),
		)

		matched, err := e.Handle(t.Context(), message.New(message.KindText, "a"))
		assert.True(t, matched)
		require.ErrorIs(t, err, engine.ErrRecursionLimit)
		assert.Empty(t, n.notes)
	})

	t.Run("self-referential rule terminates", func(t *testing.T) {
		t.Parallel()

		e := engine.MustNew(engine.WithRules(mustRules(t, `[loop]
kind is text
plumb plumb {data}
`)))

		_, err := e.Handle(t.Context(), message.New(message.KindText, "again"))
		require.ErrorIs(t, err, engine.ErrRecursionLimit)
	})
}

func TestEngine_Handle_DetectorSharedAcrossChain(t *testing.T) {
	t.Parallel()

	var heads atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		heads.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Every level of the chain runs the same istype lookup on the same
	// URL; only the first level may hit the network.
	rs := mustRules(t, `[loop]
kind is url
arg istype {data} ^text/plain$
plumb plumb {data}
`)

	e := engine.MustNew(
		engine.WithRules(rs),
		engine.WithHTTPClient(srv.Client()),
		engine.WithMaxDepth(3),
	)

	_, err := e.Handle(t.Context(), message.New(message.KindURL, srv.URL+"/x"))
	require.ErrorIs(t, err, engine.ErrRecursionLimit)
	assert.Equal(t, int64(1), heads.Load())
}

func TestEngine_Handle_PlumbGuessesKind(t *testing.T) {
	t.Parallel()

	rs := mustRules(t, `[extract]
data matches ^open:(.*)$
plumb plumb {0}

[urls]
kind is url
plumb run xdg-open {data}
`)

	r := &fakeRunner{}
	e := engine.MustNew(engine.WithRules(rs), engine.WithRunner(r))

	_, err := e.Handle(t.Context(), message.New(message.KindText, "open:https://example.com"))
	require.NoError(t, err)

	require.Len(t, r.cmds, 1)
	assert.Equal(t, []string{"https://example.com"}, r.cmds[0].Args)
}
