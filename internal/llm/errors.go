package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/memtide/memtide/internal/platform/apierr"
)

// UpstreamError carries the status and message of a failed provider call.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm: upstream %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return apierr.ErrRateLimited
	}
	return nil
}

func parseHTTPError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Error.Message != "":
			msg = envelope.Error.Message
		case envelope.Message != "":
			msg = envelope.Message
		case envelope.Detail != "":
			msg = envelope.Detail
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &UpstreamError{StatusCode: status, Message: msg}
}
