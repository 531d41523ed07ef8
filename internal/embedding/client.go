package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/memtide/memtide/internal/config"
	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
)

const (
	// MaxBatchSize bounds one upstream call; larger inputs are the caller's
	// problem to chunk.
	MaxBatchSize = 10

	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Client embeds text against an Ollama-compatible upstream, retrying
// recoverable failures with doubling backoff.
type Client struct {
	baseURL     string
	model       string
	maxAttempts int
	timeout     time.Duration

	httpClient *http.Client
	log        *logger.Logger

	// sleep is replaced in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.EmbeddingConfig, log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("embedding: base url required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("embedding: model required")
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:     baseURL,
		model:       strings.TrimSpace(cfg.Model),
		maxAttempts: attempts,
		timeout:     timeout,
		httpClient:  &http.Client{Transport: tr},
		log:         log,
		sleep:       sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds up to MaxBatchSize texts in one upstream call,
// preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, classify(ClassValidation, "empty input", nil)
	}
	if len(texts) > MaxBatchSize {
		return nil, classify(ClassValidation, fmt.Sprintf("batch of %d exceeds limit %d", len(texts), MaxBatchSize), nil)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, classify(ClassValidation, fmt.Sprintf("empty text at index %d", i), nil)
		}
	}

	backoff := initialBackoff
	var lastErr *Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		vecs, err := c.embedOnce(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		var eerr *Error
		if !errors.As(err, &eerr) {
			eerr = classify(ClassUnknown, "embed call failed", err)
		}
		lastErr = eerr
		if !eerr.Recoverable() || attempt == c.maxAttempts {
			break
		}
		c.log.Warn("embedding attempt failed, retrying",
			"attempt", attempt,
			"class", string(eerr.Class),
			"backoff", backoff.String(),
		)
		if serr := c.sleep(ctx, backoff); serr != nil {
			return nil, classify(ClassTimeout, "retry interrupted", serr)
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, lastErr
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(embedRequest{Model: c.model, Input: texts}); err != nil {
		return nil, classify(ClassValidation, "encode request", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx2, "POST", c.baseURL+"/api/embed", &buf)
	if err != nil {
		return nil, classify(ClassValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, classify(ClassModel, "decode response", err)
	}
	if out.Error != "" {
		return nil, classify(ClassModel, out.Error, nil)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, classify(ClassModel,
			fmt.Sprintf("got %d embeddings for %d texts", len(out.Embeddings), len(texts)), nil)
	}
	for i, v := range out.Embeddings {
		if len(v) != memory.EmbeddingDim {
			return nil, classify(ClassValidation,
				fmt.Sprintf("embedding %d has dimension %d, want %d", i, len(v), memory.EmbeddingDim), nil)
		}
	}
	return out.Embeddings, nil
}

func classifyTransport(err error) *Error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return classify(ClassTimeout, "upstream timeout", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classify(ClassTimeout, "upstream timeout", err)
	}
	return classify(ClassConnection, "upstream unreachable", err)
}

func classifyStatus(status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
		msg = envelope.Error
	}
	switch {
	case status == http.StatusTooManyRequests:
		return classify(ClassRateLimit, msg, nil)
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return classify(ClassModel, msg, nil)
	case status >= 500:
		return classify(ClassConnection, msg, nil)
	}
	return classify(ClassUnknown, fmt.Sprintf("status %d: %s", status, msg), nil)
}

// Health probes the upstream with a trivial embed call.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.embedOnce(ctx, []string{"ping"})
	return err
}
