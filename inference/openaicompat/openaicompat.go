// Package openaicompat calls compute providers that expose an
// OpenAI-compatible API. It implements both the capability probe and the
// streaming inference call.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ineyio/inferpool"
)

// CapacityHeader, when returned by the models endpoint, reports the
// provider's capacity units.
const CapacityHeader = "X-Capacity-Units"

// Sentinel errors mapped from HTTP status codes.
var (
	ErrAuthFailed  = errors.New("openaicompat: authentication failed")
	ErrRateLimited = errors.New("openaicompat: rate limited")
	ErrBadRequest  = errors.New("openaicompat: bad request")
	ErrUnavailable = errors.New("openaicompat: provider unavailable")
)

// Client talks to one OpenAI-compatible base URL. The credential comes with
// every call, so one Client serves every provider behind the same gateway.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	defaultCapacity int64
}

var _ inferpool.Prober = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithDefaultCapacity sets the capacity reported when the provider does not
// send CapacityHeader.
func WithDefaultCapacity(n int64) Option {
	return func(cl *Client) { cl.defaultCapacity = n }
}

// New creates a client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      http.DefaultClient,
		defaultCapacity: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model         string         `json:"model,omitempty"`
	Messages      []apiMessage   `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiUsage struct {
	TotalTokens int64 `json:"total_tokens"`
}

type apiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
}

type apiModels struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Probe lists the models the credential can use. It is the lightweight
// connectivity check used on registration and by the health monitor.
func (c *Client) Probe(ctx context.Context, credential string) (inferpool.ProbeResult, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return inferpool.ProbeResult{}, fmt.Errorf("openaicompat: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return inferpool.ProbeResult{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return inferpool.ProbeResult{}, err
	}

	var models apiModels
	if err := json.NewDecoder(httpResp.Body).Decode(&models); err != nil {
		return inferpool.ProbeResult{}, fmt.Errorf("openaicompat: decode models: %w", err)
	}

	res := inferpool.ProbeResult{
		CapacityUnits: c.defaultCapacity,
		Latency:       time.Since(start),
	}
	for _, m := range models.Data {
		res.Models = append(res.Models, m.ID)
	}
	if v := httpResp.Header.Get(CapacityHeader); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			res.CapacityUnits = n
		}
	}
	return res, nil
}

// Infer is an inferpool.InferenceFunc. It streams the completion and
// reports ErrPartialResponse when the stream breaks after content arrived.
func (c *Client) Infer(ctx context.Context, call inferpool.Call) (inferpool.CallResult, error) {
	start := time.Now()

	msgs := make([]apiMessage, len(call.Messages))
	for i, m := range call.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(apiRequest{
		Model:         call.Model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return inferpool.CallResult{}, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return inferpool.CallResult{}, fmt.Errorf("openaicompat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+call.Credential)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return inferpool.CallResult{}, ctx.Err()
		}
		return inferpool.CallResult{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return inferpool.CallResult{}, err
	}

	content, tokens, err := readStream(httpResp.Body)
	if err != nil {
		if content != "" {
			return inferpool.CallResult{}, fmt.Errorf("%w: %w", inferpool.ErrPartialResponse, err)
		}
		return inferpool.CallResult{}, err
	}

	return inferpool.CallResult{
		Content:     content,
		TotalTokens: tokens,
		Latency:     time.Since(start),
	}, nil
}

// readStream collects Server-Sent Events until [DONE]. A stream that ends
// without [DONE] or a finish reason is an error.
func readStream(r io.Reader) (string, int64, error) {
	var (
		sb       strings.Builder
		tokens   int64
		finished bool
	)
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return sb.String(), tokens, nil
			}
			var chunk apiStreamChunk
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr == nil {
				for _, ch := range chunk.Choices {
					sb.WriteString(ch.Delta.Content)
					if ch.FinishReason != "" {
						finished = true
					}
				}
				if chunk.Usage != nil {
					tokens = chunk.Usage.TotalTokens
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) && finished {
				return sb.String(), tokens, nil
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return sb.String(), tokens, fmt.Errorf("openaicompat: read stream: %w", err)
		}
	}
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}
