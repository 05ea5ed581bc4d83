// capture.go observes every request/response pair the LLM client sends,
// redacts credentials, and appends the exchange to a JSONL log. The
// observer is advisory: a capture failure never fails the request, and
// the redaction runs before anything leaves this process's memory for
// disk.
package engine

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// CaptureConfig configures the exchange log.
type CaptureConfig struct {
	// Enabled turns exchange capture on.
	Enabled bool `yaml:"enabled"`

	// Path is the JSONL file exchanges are appended to. Empty resolves
	// to exchanges.jsonl under the state directory.
	Path string `yaml:"path"`
}

// Exchange is one captured request/response pair.
type Exchange struct {
	Timestamp  time.Time `json:"timestamp"`
	Model      string    `json:"model"`
	Endpoint   string    `json:"endpoint"`
	Request    string    `json:"request"`
	Response   string    `json:"response"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
}

// ExchangeCapture receives every request/response pair the LLM client
// completes. Implementations must tolerate concurrent calls; the client
// does not serialize captures across parallel asks.
type ExchangeCapture interface {
	CaptureExchange(ex Exchange)
}

// Credential shapes scrubbed from captured payloads: bearer tokens,
// api-key headers/fields, and bare sk-/key- style secrets.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)("(?:api[_-]?key|x-api-key|authorization)"\s*:\s*")[^"]+`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`),
}

// RedactSecrets scrubs credential-shaped substrings from s, preserving
// enough prefix to recognize what was redacted.
func RedactSecrets(s string) string {
	out := s
	out = redactPatterns[0].ReplaceAllString(out, "${1}[REDACTED]")
	out = redactPatterns[1].ReplaceAllString(out, "${1}[REDACTED]")
	out = redactPatterns[2].ReplaceAllString(out, "sk-[REDACTED]")
	return out
}

// FileExchangeCapture appends redacted exchanges to a JSONL file. Writes
// are serialized; a failed write is logged and dropped.
type FileExchangeCapture struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileExchangeCapture builds a capture sink appending to path. The
// parent directory is created on first write.
func NewFileExchangeCapture(path string, logger *slog.Logger) *FileExchangeCapture {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileExchangeCapture{path: path, logger: logger.With("component", "capture")}
}

// CaptureExchange redacts the exchange payloads and appends one JSON
// line. Never returns an error to the caller; the request must not fail
// because its observer did.
func (f *FileExchangeCapture) CaptureExchange(ex Exchange) {
	ex.Request = RedactSecrets(ex.Request)
	ex.Response = RedactSecrets(ex.Response)

	line, err := json.Marshal(ex)
	if err != nil {
		f.logger.Warn("marshaling exchange failed", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		f.logger.Warn("creating capture dir failed", "error", err)
		return
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		f.logger.Warn("opening capture log failed", "error", err)
		return
	}
	defer fh.Close()

	if _, err := fh.Write(append(line, '\n')); err != nil {
		f.logger.Warn("writing capture log failed", "error", err)
	}
}
