// Package ollama talks to an Ollama server: model listing, load and unload,
// pulls with progress, and non-streaming chat completions with tools.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

var (
	// ErrStatus matches every StatusError.
	ErrStatus = errors.New("ollama status")
	// ErrEmptyResponse is returned when the server closed the stream without a
	// usable body.
	ErrEmptyResponse = errors.New("ollama returned no response")
	// ErrPullIncomplete is returned when a pull stream ends without "success".
	ErrPullIncomplete = errors.New("pull ended without success")
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

const (
	maxStreamLine = 1 << 20
	maxErrorBody  = 64 << 10
)

type Config struct {
	ProbeTimeout  time.Duration
	ListTimeout   time.Duration
	LoadTimeout   time.Duration
	UnloadTimeout time.Duration
	ChatTimeout   time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	HTTPClient    *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 10 * time.Second
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 60 * time.Second
	}
	if cfg.UnloadTimeout <= 0 {
		cfg.UnloadTimeout = 10 * time.Second
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 180 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HTTPClient == nil {
		// pulls are unbounded, every other call is bounded by its context
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{cfg: cfg}
}

// call is one request against host. It records the HTTP status because the
// api package reports streamed error bodies as plain errors.
type call struct {
	api  *api.Client
	next http.RoundTripper
	code int
}

func (c *call) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := c.next.RoundTrip(r)
	if resp != nil {
		c.code = resp.StatusCode
	}
	return resp, err
}

// result folds the recorded status into err.
func (c *call) result(err error) error {
	if c.code >= http.StatusBadRequest {
		msg := http.StatusText(c.code)
		if err != nil {
			msg = err.Error()
		}
		return &StatusError{Code: c.code, Message: msg}
	}
	return err
}

func baseURL(host string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(host), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse host url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("host url %q has no scheme or host", host)
	}
	return u, nil
}

func (c *Client) newCall(host string) (*call, error) {
	u, err := baseURL(host)
	if err != nil {
		return nil, err
	}
	next := c.cfg.HTTPClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	cl := &call{next: next}
	cl.api = api.NewClient(u, &http.Client{Transport: cl, Timeout: c.cfg.HTTPClient.Timeout})
	return cl, nil
}

// Probe checks that host answers the model listing endpoint.
func (c *Client) Probe(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	_, err := c.list(ctx, host)
	return err
}

func (c *Client) ListModels(ctx context.Context, host string) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()
	return c.list(ctx, host)
}

func (c *Client) list(ctx context.Context, host string) ([]Model, error) {
	cl, err := c.newCall(host)
	if err != nil {
		return nil, err
	}
	resp, err := cl.api.List(ctx)
	if err = cl.result(err); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	out := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, Model{
			Name:          m.Name,
			Size:          m.Size,
			ParameterSize: m.Details.ParameterSize,
			Quantization:  m.Details.QuantizationLevel,
		})
	}
	return out, nil
}

// Load asks the server to bring model into memory with an empty prompt.
func (c *Client) Load(ctx context.Context, host, model string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()
	return c.generate(ctx, host, &api.GenerateRequest{Model: model, Prompt: "", Stream: boolPtr(false)})
}

// Unload evicts model from memory by setting keep_alive to zero.
func (c *Client) Unload(ctx context.Context, host, model string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UnloadTimeout)
	defer cancel()
	return c.generate(ctx, host, &api.GenerateRequest{
		Model:     model,
		Stream:    boolPtr(false),
		KeepAlive: &api.Duration{Duration: 0},
	})
}

func (c *Client) generate(ctx context.Context, host string, req *api.GenerateRequest) error {
	cl, err := c.newCall(host)
	if err != nil {
		return err
	}
	got := false
	err = cl.api.Generate(ctx, req, func(api.GenerateResponse) error {
		got = true
		return nil
	})
	if err = cl.result(err); err != nil {
		return fmt.Errorf("generate %s: %w", req.Model, err)
	}
	if !got {
		return fmt.Errorf("generate %s: %w", req.Model, ErrEmptyResponse)
	}
	return nil
}

// Pull downloads model, calling fn for every progress event. It has no
// deadline of its own; cancel ctx to abort. Stream lines that do not decode
// are skipped.
func (c *Client) Pull(ctx context.Context, host, model string, fn func(Progress)) error {
	base, err := baseURL(host)
	if err != nil {
		return err
	}
	body, err := json.Marshal(&api.PullRequest{Model: model, Stream: boolPtr(true)})
	if err != nil {
		return fmt.Errorf("marshal pull request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("api", "pull").String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pull %s: %w", model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("pull %s: %w", model, statusError(resp))
	}

	done, err := readPullStream(resp.Body, fn)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("pull %s: %w", model, err)
	}
	if !done {
		return fmt.Errorf("pull %s: %w", model, ErrPullIncomplete)
	}
	return nil
}

type pullLine struct {
	api.ProgressResponse
	Error string `json:"error,omitempty"`
}

// readPullStream feeds every decodable NDJSON line of r to fn and reports
// whether the "success" event was seen.
func readPullStream(r io.Reader, fn func(Progress)) (bool, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	done := false
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev pullLine
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Error != "" {
			return done, errors.New(ev.Error)
		}
		p := Progress{Status: ev.Status, Digest: ev.Digest, Completed: ev.Completed, Total: ev.Total}
		if p.Done() {
			done = true
		}
		if fn != nil {
			fn(p)
		}
	}
	return done, sc.Err()
}

func statusError(resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := http.StatusText(resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	} else if text := strings.TrimSpace(string(raw)); text != "" {
		msg = text
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// Chat sends the conversation and returns the assistant message. tools is the
// JSON array of tool definitions; nil sends none.
func (c *Client) Chat(ctx context.Context, host, model string, msgs []Message, tools json.RawMessage) (Message, error) {
	req := &api.ChatRequest{
		Model:    model,
		Messages: toAPIMessages(msgs),
		Stream:   boolPtr(false),
	}
	if len(tools) > 0 {
		var defs api.Tools
		if err := json.Unmarshal(tools, &defs); err != nil {
			return Message{}, fmt.Errorf("decode tool definitions: %w", err)
		}
		req.Tools = defs
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		msg, retry, err := c.chatOnce(ctx, host, req)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return Message{}, lastErr
}

func (c *Client) chatOnce(ctx context.Context, host string, req *api.ChatRequest) (msg Message, retry bool, err error) {
	cl, err := c.newCall(host)
	if err != nil {
		return Message{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	got := false
	err = cl.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		got = true
		msg = fromAPIMessage(resp.Message)
		return nil
	})
	if err = cl.result(err); err != nil {
		return Message{}, retryable(err), fmt.Errorf("chat %s: %w", req.Model, err)
	}
	if !got {
		return Message{}, true, fmt.Errorf("chat %s: %w", req.Model, ErrEmptyResponse)
	}
	return msg, false, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

func toAPIMessages(msgs []Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		am := api.Message{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			atc := api.ToolCall{}
			atc.Function.Name = tc.Name
			atc.Function.Arguments = tc.Arguments
			am.ToolCalls = append(am.ToolCalls, atc)
		}
		out = append(out, am)
	}
	return out
}

func fromAPIMessage(m api.Message) Message {
	out := Message{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func boolPtr(v bool) *bool {
	return &v
}
