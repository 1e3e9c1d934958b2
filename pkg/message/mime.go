package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/plumbtool/plumb/pkg/log"
)

// UserAgent is sent on outgoing HTTP requests. Some servers refuse HEAD
// requests from unknown clients.
const UserAgent = "Mozilla/5.0 (Windows NT 6.3; rv:36.0) Gecko/20100101 Firefox/36.0"

// ErrUndetectable is returned when no MIME type could be determined.
var ErrUndetectable = errors.New("could not determine mimetype")

// Detector resolves the MIME type of message data. Detection for URL
// messages may hit the network, so results are cached per detector; the
// engine creates one detector per evaluation chain.
type Detector struct {
	client *http.Client
	cache  map[string]string
}

// NewDetector creates a [Detector] using the given HTTP client for
// Content-Type lookups. A nil client gets a conservative default timeout.
func NewDetector(client *http.Client) *Detector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Detector{
		client: client,
		cache:  map[string]string{},
	}
}

// Detect returns the MIME type of value, interpreted according to kind.
func (d *Detector) Detect(ctx context.Context, kind Kind, value string) (string, error) {
	if t, ok := d.cache[value]; ok {
		return t, nil
	}

	t, err := d.detect(ctx, kind, value)
	if err != nil {
		return "", err
	}

	d.cache[value] = t

	return t, nil
}

func (d *Detector) detect(ctx context.Context, kind Kind, value string) (string, error) {
	switch kind {
	case KindText:
		return "text/plain", nil

	case KindRaw:
		return stripParams(mimetype.Detect([]byte(value)).String()), nil

	case KindURL:
		return d.detectURL(ctx, value)
	}

	return "", fmt.Errorf("%w: kind %q", ErrUndetectable, kind)
}

func (d *Detector) detectURL(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err == nil {
		if t := mime.TypeByExtension(path.Ext(u.Path)); t != "" {
			return stripParams(t), nil
		}
	}

	log.WithContext(ctx).Debug("mimetype guess by extension failed, trying Content-Type header",
		slog.String("url", rawURL),
	)

	t, err := d.lookupContentType(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUndetectable, err)
	}

	return t, nil
}

// lookupContentType issues a HEAD request and reads the Content-Type header.
func (d *Detector) lookupContentType(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("head %q: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Nothing useful to do on close failure.

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return "", fmt.Errorf("head %q: no Content-Type header", rawURL)
	}

	return stripParams(ct), nil
}

func stripParams(contentType string) string {
	if t, _, found := strings.Cut(contentType, ";"); found {
		return strings.TrimSpace(t)
	}

	return contentType
}
