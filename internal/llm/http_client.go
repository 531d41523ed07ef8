package llm

import (
	"bufio"
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
)

// HTTPClient speaks the OpenAI chat-completions protocol against any
// compatible upstream (OpenAI, vLLM, Ollama's compat surface, ...).
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration

	httpClient *http.Client
}

func NewHTTPClient(cfg config.LLMConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llm: base url required")
	}
	if strings.TrimSpace(cfg.Selection.Model) == "" {
		return nil, errors.New("llm: model required")
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
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Selection.Model),
		timeout:    timeout,
		httpClient: &http.Client{Transport: tr},
	}, nil
}

// NewHTTPClientWithTransport is intended for tests; it avoids network access
// by using a custom RoundTripper.
func NewHTTPClientWithTransport(cfg config.LLMConfig, hc *http.Client) (*HTTPClient, error) {
	c, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	if hc != nil {
		c.httpClient = hc
	}
	return c, nil
}

func (c *HTTPClient) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`

	// OpenAI-compatible structured-output extensions (vLLM/SGLang variants).
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	GuidedJSON     any            `json:"guided_json,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content,omitempty"`
		} `json:"message,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

type chatCompletionStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
	Error any        `json:"error,omitempty"`
}

func (c *HTTPClient) GenerateText(ctx context.Context, messages []Message, opts GenerateOptions) (string, Usage, error) {
	msgs := toChatMessages(messages)
	if len(msgs) == 0 {
		return "", Usage{}, errors.New("llm: no messages")
	}
	req := c.buildRequest(msgs, opts, false)

	var resp chatCompletionResponse
	if err := c.doJSON(ctx, "POST", "/v1/chat/completions", req, &resp); err != nil {
		return "", Usage{}, err
	}
	text := extractChatText(resp)
	if strings.TrimSpace(text) == "" {
		return "", Usage{}, errors.New("llm: empty upstream completion")
	}
	return text, usageFrom(resp.Usage), nil
}

func (c *HTTPClient) StreamText(ctx context.Context, messages []Message, opts GenerateOptions, onDelta func(delta string)) (string, Usage, error) {
	msgs := toChatMessages(messages)
	if len(msgs) == 0 {
		return "", Usage{}, errors.New("llm: no messages")
	}
	req := c.buildRequest(msgs, opts, true)

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return "", Usage{}, err
	}

	// Streams rely on client cancellation, not a hard deadline.
	hreq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return "", Usage{}, err
	}
	c.setHeaders(hreq, "text/event-stream")

	resp, err := c.httpClient.Do(hreq)
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", Usage{}, parseHTTPError(resp.StatusCode, raw)
	}

	var full strings.Builder
	var usage Usage
	err = scanSSE(resp.Body, func(data string) error {
		if strings.TrimSpace(data) == "" || strings.TrimSpace(data) == "[DONE]" {
			return nil
		}
		var chunk chatCompletionStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if chunk.Error != nil {
			b, _ := json.Marshal(chunk.Error)
			return fmt.Errorf("llm: upstream stream error: %s", string(b))
		}
		if chunk.Usage != nil {
			usage = usageFrom(chunk.Usage)
		}
		for _, ch := range chunk.Choices {
			delta := ch.Delta.Content
			if delta == "" {
				delta = ch.Text
			}
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		return nil
	})
	if err != nil {
		return "", Usage{}, err
	}
	return full.String(), usage, nil
}

// GenerateJSON requests a schema-constrained object. Guided decoding is sent
// first; on invalid JSON one retry appends the schema as a system instruction.
func (c *HTTPClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	messages := []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	opts := GenerateOptions{
		Temperature: 0.0,
		JSONSchema:  &JSONSchema{Name: schemaName, Schema: schema, Strict: true},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		msgs := toChatMessages(messages)
		req := c.buildRequest(msgs, opts, false)
		if attempt > 0 {
			req.GuidedJSON = nil
			req.Messages = append(req.Messages, chatMessage{Role: "system", Content: schemaPrompt(schemaName, schema)})
		}

		var resp chatCompletionResponse
		if err := c.doJSON(ctx, "POST", "/v1/chat/completions", req, &resp); err != nil {
			lastErr = err
			continue
		}
		clean := stripFences(extractChatText(resp))
		var out map[string]any
		if err := json.Unmarshal([]byte(clean), &out); err != nil {
			lastErr = fmt.Errorf("llm: invalid json from model: %w", err)
			continue
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("llm: generation failed")
	}
	return nil, lastErr
}

func (c *HTTPClient) buildRequest(messages []chatMessage, opts GenerateOptions, stream bool) chatCompletionRequest {
	req := chatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
	if opts.JSONSchema != nil && opts.JSONSchema.Schema != nil {
		req.ResponseFormat = map[string]any{"type": "json_object"}
		req.GuidedJSON = opts.JSONSchema.Schema
	}
	return req
}

func (c *HTTPClient) setHeaders(req *http.Request, accept string) {
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx2, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx2, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	c.setHeaders(req, "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return parseHTTPError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toChatMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		role := strings.TrimSpace(m.Role)
		content := strings.TrimSpace(m.Content)
		if role == "" || content == "" {
			continue
		}
		out = append(out, chatMessage{Role: role, Content: content})
	}
	return out
}

func extractChatText(resp chatCompletionResponse) string {
	for _, c := range resp.Choices {
		if strings.TrimSpace(c.Message.Content) != "" {
			return c.Message.Content
		}
		if strings.TrimSpace(c.Text) != "" {
			return c.Text
		}
	}
	return ""
}

func usageFrom(u *chatUsage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func schemaPrompt(name string, schema map[string]any) string {
	var b strings.Builder
	b.WriteString("Return ONLY a valid JSON value that conforms to the provided JSON Schema. Do not include markdown or commentary.\n")
	if strings.TrimSpace(name) != "" {
		b.WriteString("Schema name: ")
		b.WriteString(strings.TrimSpace(name))
		b.WriteString("\n")
	}
	if schema != nil {
		if raw, err := json.Marshal(schema); err == nil && len(raw) <= 64<<10 {
			b.WriteString("Schema:\n")
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	firstNL := strings.IndexByte(s, '\n')
	if firstNL == -1 {
		return strings.TrimSpace(strings.Trim(s, "`"))
	}
	s = s[firstNL+1:]
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// scanSSE reads "data: ..." frames from an event stream body.
func scanSSE(r io.Reader, onData func(data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var data strings.Builder
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		d := data.String()
		data.Reset()
		return onData(d)
	}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return sc.Err()
}
