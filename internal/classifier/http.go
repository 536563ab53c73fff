package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/focuslens/internal/frame"
	"github.com/antoniostano/focuslens/internal/reliability"
)

// Config controls the HTTP-backed classifiers.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	MaxWidth int
}

type httpBackend struct {
	baseURL  string
	client   *http.Client
	maxWidth int
}

func newHTTPBackend(cfg Config) httpBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxWidth := cfg.MaxWidth
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	return httpBackend{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:   &http.Client{Timeout: timeout},
		maxWidth: maxWidth,
	}
}

// encodeFrame downscales and base64-encodes a frame as JPEG.
func (b httpBackend) encodeFrame(f frame.Frame) (string, error) {
	if f.Image == nil || f.Width() == 0 || f.Height() == 0 {
		return "", fmt.Errorf("%w: empty frame", ErrClassification)
	}
	data, err := frame.EncodeJPEG(frame.Downscale(f.Image, b.maxWidth), 85)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassification, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (b httpBackend) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return res.StatusCode, data, nil
}

// probe reports whether the backend answers at all. Any HTTP response counts.
func (b httpBackend) probe(ctx context.Context, path string) error {
	if b.baseURL == "" {
		return fmt.Errorf("base url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	res, err := b.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	res.Body.Close()
	if res.StatusCode >= 500 {
		return fmt.Errorf("probe status %d", res.StatusCode)
	}
	return nil
}

// statusErr maps a non-200 reply. Overload statuses read as a temporarily
// unavailable backend rather than a classification failure.
func statusErr(backend string, status int) error {
	if reliability.IsRetryableHTTPStatus(status) {
		return fmt.Errorf("%w: %s status %d", ErrUnavailable, backend, status)
	}
	return fmt.Errorf("%w: %s status %d", ErrClassification, backend, status)
}

func looksLikeNoFace(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "face could not be detected") || strings.Contains(s, "no face")
}
