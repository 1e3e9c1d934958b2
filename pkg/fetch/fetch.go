// Package fetch downloads URL targets of dispatched rule actions into
// local files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plumbtool/plumb/pkg/log"
	"github.com/plumbtool/plumb/pkg/message"
)

// ErrBadStatus is returned when the server responds with a non-2xx status.
var ErrBadStatus = errors.New("unexpected status")

// Fetcher downloads URLs into a fixed directory.
type Fetcher struct {
	tracer trace.Tracer
	client *http.Client
	dir    string
}

// FetcherOpt is a functional option for configuring a [Fetcher].
type FetcherOpt func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) FetcherOpt {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithDir sets the download directory.
func WithDir(dir string) FetcherOpt {
	return func(f *Fetcher) {
		f.dir = dir
	}
}

// NewFetcher creates a [Fetcher]. By default it downloads into the system
// temp directory with a 5 minute request timeout.
func NewFetcher(opts ...FetcherOpt) *Fetcher {
	f := &Fetcher{
		tracer: otel.Tracer("fetcher"),
		client: &http.Client{Timeout: 5 * time.Minute},
		dir:    os.TempDir(),
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Download fetches rawURL into a new file in the download directory and
// returns the file path.
func (f *Fetcher) Download(ctx context.Context, rawURL string) (string, error) {
	ctx, span := f.tracer.Start(ctx, "download", trace.WithAttributes(
		attribute.String("url", rawURL),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", message.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %q: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Nothing useful to do on close failure.

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	out, err := os.CreateTemp(f.dir, "plumb-*")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name()) //nolint:errcheck,gosec // Best-effort cleanup.

		return "", fmt.Errorf("write download file: %w", err)
	}

	log.WithContext(ctx).Debug("downloaded",
		slog.String("url", rawURL),
		slog.String("file", out.Name()),
		slog.String("size", humanize.Bytes(uint64(n))), //nolint:gosec // G115: io.Copy count is non-negative.
	)

	return out.Name(), nil
}
