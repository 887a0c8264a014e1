package deployment

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	switchboarderrors "github.com/opsflow/switchboard/pkg/errors"
	"github.com/opsflow/switchboard/pkg/types"
)

// azureInferenceClient issues HTTP requests against one Azure OpenAI
// deployment. It is the InferenceClient a runtimeClient wraps with
// utilization accounting, cooldowns, and retries.
type azureInferenceClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewAzureClient is the default ClientFactory: it builds a runtimeClient
// backed by a real Azure OpenAI HTTP transport with its own per-deployment
// connection pool. The client is created here; connections are dialed on
// first use.
func NewAzureClient(cfg Config, logger *slog.Logger) (Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return nil, fmt.Errorf("deployment config requires a name")
	}
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("deployment %s requires api_base", cfg.Name)
	}

	infer := &azureInferenceClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
	return newRuntimeClient(cfg, infer, logger), nil
}

func (a *azureInferenceClient) buildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	baseURL := strings.TrimSuffix(a.cfg.APIBase, "/")
	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		baseURL, req.Model, a.cfg.APIVersion)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", a.cfg.APIKey)
	return httpReq, nil
}

// Do issues a non-streaming completion request.
func (a *azureInferenceClient) Do(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	httpReq, err := a.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, a.classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, switchboarderrors.NewTransientUpstream(a.cfg.Name, "read response", 0, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, a.mapError(resp, body)
	}

	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &chatResp, nil
}

// DoStream issues a streaming completion request over server-sent events.
func (a *azureInferenceClient) DoStream(ctx context.Context, req *types.ChatRequest) (ChatStream, error) {
	streamReq := *req
	streamReq.Stream = true

	httpReq, err := a.buildRequest(ctx, &streamReq)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, a.classifyTransportError(ctx, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, a.mapError(resp, body)
	}

	return &sseStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

func (a *azureInferenceClient) classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return switchboarderrors.NewCanceled(a.cfg.Name, ctx.Err())
	}
	return switchboarderrors.NewTransientUpstream(a.cfg.Name, err.Error(), 0, err)
}

// mapError converts an Azure/OpenAI error response body into the
// switchboard error taxonomy.
func (a *azureInferenceClient) mapError(resp *http.Response, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	return switchboarderrors.ClassifyHTTPStatus(a.cfg.Name, resp.StatusCode, message, retryAfter, nil)
}

func parseRetryAfter(raw string) int {
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return secs
	}
	return 0
}

// sseStream parses Azure OpenAI's SSE stream into types.StreamChunk values.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Next() (*types.StreamChunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, []byte("data: ")) {
			line = bytes.TrimPrefix(line, []byte("data: "))
		}
		if bytes.Equal(line, []byte("[DONE]")) {
			return nil, io.EOF
		}

		var chunk types.StreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal stream chunk: %w", err)
		}
		return &chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
