// Package transport implements the HTTP byte-range fetcher used to pull
// chunk bodies from an image's origin server: validator checking,
// segmented-origin URL computation, and bounded retry on network errors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cmusatyalab/vmnetfs/internal/logger"
)

// maxAttempts is the total number of tries (one initial plus retries) made
// for a retryable failure before giving up.
const maxAttempts = 5

// retryDelay is the fixed pause between retry attempts.
const retryDelay = 5 * time.Second

// Config describes one image's origin: how to reach it and what the
// response is expected to look like.
type Config struct {
	// BaseURL is the origin URL. If SegmentSize is nonzero, the actual
	// request URL is BaseURL suffixed with ".<index>".
	BaseURL string

	// Username and Password supply HTTP basic-auth credentials, if the
	// origin requires them; digest authentication is not performed. An
	// empty Username means no authentication.
	Username string
	Password string

	// Cookie, if nonempty, is sent verbatim as the Cookie header.
	Cookie string

	// FetchOffset is added to every requested offset before it is turned
	// into a byte range, letting the image start partway into the
	// origin's bytes.
	FetchOffset uint64

	// SegmentSize, if nonzero, splits the origin across URLs
	// "{BaseURL}.{index}" where index = absolute_offset / SegmentSize.
	SegmentSize uint64

	// ExpectedETag, if set, must match the response's ETag header.
	ExpectedETag string

	// ExpectedLastModified, if nonzero, must match the response's
	// Last-Modified header.
	ExpectedLastModified time.Time

	// UserAgent is sent as the User-Agent header.
	UserAgent string

	// RetryDelay overrides the fixed delay between retry attempts. Zero
	// uses retryDelay.
	RetryDelay time.Duration
}

// Transport fetches byte ranges from one image's origin. The embedded
// *http.Client pools and reuses connections per host, which is the
// idiomatic Go stand-in for a hand-rolled connection freelist.
type Transport struct {
	cfg    Config
	client *http.Client
}

// New returns a Transport for cfg. client may be nil, in which case a
// client tuned for long-lived range fetches is created.
func New(cfg Config, client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Transport{cfg: cfg, client: client}
}

// segmentURL returns the URL and the byte range (relative to that URL)
// that together address [absStart, absStart+count) on the origin.
func (t *Transport) segmentURL(absStart, count uint64) (url string, segStart uint64, segCount uint64) {
	if t.cfg.SegmentSize == 0 {
		return t.cfg.BaseURL, absStart, count
	}
	index := absStart / t.cfg.SegmentSize
	segStart = absStart % t.cfg.SegmentSize
	segCount = t.cfg.SegmentSize - segStart
	if segCount > count {
		segCount = count
	}
	return fmt.Sprintf("%s.%d", t.cfg.BaseURL, index), segStart, segCount
}

// Fetch fills buf (len(buf) bytes) with the image bytes starting at
// offset, accounting for segmentation into multiple origin URLs and
// retrying retryable failures up to five total attempts. offset is
// relative to the image (FetchOffset is added internally).
func (t *Transport) Fetch(ctx context.Context, buf []byte, offset uint64) error {
	absStart := t.cfg.FetchOffset + offset
	count := uint64(len(buf))
	written := uint64(0)

	for count > 0 {
		url, segStart, segCount := t.segmentURL(absStart, count)
		n, err := t.fetchWithRetry(ctx, url, buf[written:written+segCount], segStart)
		if err != nil {
			return err
		}
		written += n
		absStart += segCount
		count -= segCount
	}
	return nil
}

// fetchWithRetry makes one logical fetch against url, retrying Network
// errors up to maxAttempts times with a fixed delay between attempts.
// Fatal and Interrupted errors are returned immediately.
func (t *Transport) fetchWithRetry(ctx context.Context, url string, buf []byte, start uint64) (uint64, error) {
	reqID := uuid.NewString()
	delay := t.cfg.RetryDelay
	if delay == 0 {
		delay = retryDelay
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), maxAttempts-1)

	attempt := 0
	var lastErr error
	err := backoff.Retry(func() error {
		attempt++
		logger.DebugCtx(ctx, "fetching chunk range",
			logger.RequestID(reqID), logger.Attempt(attempt), logger.MaxAttempts(maxAttempts))

		err := t.fetchOnce(ctx, url, buf, start, reqID)
		lastErr = err
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNetwork) {
			// Fatal or Interrupted: stop retrying immediately.
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err != nil {
		return 0, lastErr
	}
	return uint64(len(buf)), nil
}

// fetchOnce makes a single HTTP range request for buf's length starting at
// start on url, validating response headers and copying the body into buf.
func (t *Transport) fetchOnce(ctx context.Context, url string, buf []byte, start uint64, reqID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w: %w", ErrFatal, err)
	}

	length := uint64(len(buf))
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))
	if t.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", t.cfg.UserAgent)
	}
	if t.cfg.Cookie != "" {
		req.Header.Set("Cookie", t.cfg.Cookie)
	}
	if t.cfg.Username != "" {
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch %s: %w", url, ErrInterrupted)
		}
		return fmt.Errorf("fetch %s: %w: %w", url, ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("fetch %s: status %d: %w", url, resp.StatusCode, ErrNetwork)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetch %s: status %d: %w", url, resp.StatusCode, ErrFatal)
	}

	if err := t.checkValidators(resp); err != nil {
		return err
	}

	// A response that announces fewer bytes than requested is a short
	// read, not a transient failure.
	if resp.ContentLength >= 0 && uint64(resp.ContentLength) < length {
		return fmt.Errorf("fetch %s: short read %d/%d: %w", url, resp.ContentLength, length, ErrFatal)
	}

	n, err := io.ReadFull(resp.Body, buf)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch %s: %w", url, ErrInterrupted)
		}
		return fmt.Errorf("fetch %s: %w: %w", url, ErrNetwork, err)
	}
	if uint64(n) != length {
		return fmt.Errorf("fetch %s: short read %d/%d: %w", url, n, length, ErrFatal)
	}

	logger.DebugCtx(ctx, "fetch complete", logger.RequestID(reqID), logger.BytesRead(n))
	return nil
}

// checkValidators enforces the ETag/Last-Modified agreement named in the
// image's configuration. A redirect (recorded by net/http following it
// transparently) is not separately detected here since Go's http.Client
// already resets headers on redirect chains and resp reflects only the
// final response — the direct analogue of the original's header-callback
// reset-on-redirect behavior.
func (t *Transport) checkValidators(resp *http.Response) error {
	if t.cfg.ExpectedETag != "" {
		etag := resp.Header.Get("ETag")
		if etag == "" {
			return fmt.Errorf("server did not return ETag: %w", ErrFatal)
		}
		if etag != t.cfg.ExpectedETag {
			return fmt.Errorf("ETag mismatch; expected %s, found %s: %w",
				t.cfg.ExpectedETag, etag, ErrFatal)
		}
	}
	if !t.cfg.ExpectedLastModified.IsZero() {
		lm := resp.Header.Get("Last-Modified")
		if lm == "" {
			return fmt.Errorf("server did not return Last-Modified: %w", ErrFatal)
		}
		parsed, err := http.ParseTime(lm)
		if err != nil {
			return fmt.Errorf("couldn't parse Last-Modified %q: %w: %w", lm, ErrFatal, err)
		}
		if !parsed.Equal(t.cfg.ExpectedLastModified) {
			return fmt.Errorf("timestamp mismatch; expected %s, found %s: %w",
				t.cfg.ExpectedLastModified, parsed, ErrFatal)
		}
	}
	return nil
}
