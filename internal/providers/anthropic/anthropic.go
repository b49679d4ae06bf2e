// Package anthropic adapts the gateway's canonical request shape to the
// Anthropic API. The messages endpoint is Anthropic's native surface and is
// forwarded nearly as-is; chat completions are translated both ways so
// callers keep the unified shape regardless of which provider answered.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sdk        anthropicSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates an Anthropic Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: providers.AttemptTimeout}
	}

	a.sdk = anthropicSDK.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(a.httpClient),
	)
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Supports(endpoint canon.Endpoint, _ string) bool {
	return endpoint == canon.EndpointMessages || endpoint == canon.EndpointChatCompletions
}

// HealthCheck verifies auth and connectivity with a one-item model listing.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.sdk.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	return nil
}

func (a *Adapter) Execute(ctx context.Context, args *providers.ExecuteArgs) (*providers.Result, error) {
	var body map[string]any
	switch args.Endpoint {
	case canon.EndpointMessages:
		body = nativeBody(args)
	case canon.EndpointChatCompletions:
		body = chatToMessages(args)
	default:
		return nil, fmt.Errorf("anthropic: endpoint %s not supported", args.Endpoint)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("x-api-key", a.key(args.ByokKey))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &providers.AdapterError{
			Provider: providerName,
			Status:   resp.StatusCode,
			Code:     gjson.GetBytes(raw, "error.type").String(),
			Message:  gjson.GetBytes(raw, "error.message").String(),
			Body:     raw,
		}
	}

	if args.Stream {
		stream := relayMessagesStream(resp.Body, args.Endpoint, args.ModelSlug)
		return &providers.Result{
			Status:      resp.StatusCode,
			ContentType: "text/event-stream",
			Stream:      stream,
		}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	if args.Endpoint == canon.EndpointChatCompletions {
		raw = messagesToChat(raw, args.ModelSlug)
	}

	return &providers.Result{
		Status:      resp.StatusCode,
		Body:        raw,
		ContentType: "application/json",
		ResponseID:  gjson.GetBytes(raw, "id").String(),
		Usage:       usageFrom(raw),
	}, nil
}

func (a *Adapter) key(byok string) string {
	if byok != "" {
		return byok
	}
	return a.apiKey
}

// nativeBody passes a canonical messages payload through, pinning slug,
// stream flag, and the required max_tokens.
func nativeBody(args *providers.ExecuteArgs) map[string]any {
	body := make(map[string]any, len(args.Payload)+2)
	for k, v := range args.Payload {
		if v == nil {
			continue // Anthropic rejects explicit nulls
		}
		body[k] = v
	}
	// The canonical shape folds max_output_tokens into max_tokens, but the
	// field stays mandatory upstream.
	if _, ok := body["max_tokens"]; !ok {
		body["max_tokens"] = defaultMaxTokens
	}
	if args.ModelSlug != "" {
		body["model"] = args.ModelSlug
	}
	if args.Stream {
		body["stream"] = true
	} else {
		delete(body, "stream")
	}
	return body
}

// chatToMessages translates a canonical chat payload into the messages API
// shape: system/developer turns fold into the system prompt, tokens and
// sampling settings are renamed.
func chatToMessages(args *providers.ExecuteArgs) map[string]any {
	body := map[string]any{
		"model":      args.ModelSlug,
		"max_tokens": defaultMaxTokens,
	}

	var system []string
	var msgs []any
	if raw, ok := args.Payload["messages"].([]any); ok {
		for _, m := range raw {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			switch role {
			case "system", "developer":
				system = append(system, textOf(msg["content"]))
			case "assistant", "user":
				msgs = append(msgs, map[string]any{
					"role":    role,
					"content": textOf(msg["content"]),
				})
			case "tool":
				// Tool results fold into a user turn; Anthropic has no
				// standalone tool role on this path.
				msgs = append(msgs, map[string]any{
					"role":    "user",
					"content": textOf(msg["content"]),
				})
			}
		}
	}
	body["messages"] = msgs
	if len(system) > 0 {
		body["system"] = strings.Join(system, "\n")
	}

	if v, ok := numberFrom(args.Payload["max_tokens"]); ok {
		body["max_tokens"] = int(v)
	} else if v, ok := numberFrom(args.Payload["max_completion_tokens"]); ok {
		body["max_tokens"] = int(v)
	}
	if v, ok := numberFrom(args.Payload["temperature"]); ok {
		// Anthropic caps temperature at 1.
		if v > 1 {
			v = 1
		}
		body["temperature"] = v
	}
	if v, ok := numberFrom(args.Payload["top_p"]); ok {
		body["top_p"] = v
	}
	if v, ok := args.Payload["stop"]; ok && v != nil {
		switch s := v.(type) {
		case string:
			body["stop_sequences"] = []string{s}
		case []any:
			body["stop_sequences"] = s
		}
	}
	if args.Stream {
		body["stream"] = true
	}
	return body
}

// textOf flattens canonical content (string or text parts) into plain text.
func textOf(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "text" {
				if s, ok := part["text"].(string); ok {
					sb.WriteString(s)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func numberFrom(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// messagesToChat rebuilds a chat.completion envelope from a messages API
// response so the caller sees the unified shape.
func messagesToChat(raw []byte, model string) []byte {
	var text strings.Builder
	gjson.GetBytes(raw, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	out, _ := json.Marshal(map[string]any{
		"id":      gjson.GetBytes(raw, "id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": text.String(),
				},
				"finish_reason": finishReason(gjson.GetBytes(raw, "stop_reason").String()),
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     gjson.GetBytes(raw, "usage.input_tokens").Int(),
			"completion_tokens": gjson.GetBytes(raw, "usage.output_tokens").Int(),
			"total_tokens": gjson.GetBytes(raw, "usage.input_tokens").Int() +
				gjson.GetBytes(raw, "usage.output_tokens").Int(),
		},
	})
	return out
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// relayMessagesStream forwards upstream SSE. Native messages streams pass
// through raw; chat streams are translated event-by-event into
// chat.completion.chunk frames.
func relayMessagesStream(rc io.ReadCloser, endpoint canon.Endpoint, model string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer rc.Close()

		if endpoint == canon.EndpointMessages {
			buf := make([]byte, 16*1024)
			for {
				n, err := rc.Read(buf)
				if n > 0 {
					data := make([]byte, n)
					copy(data, buf[:n])
					ch <- providers.StreamChunk{Data: data}
				}
				if err != nil {
					if err != io.EOF {
						ch <- providers.StreamChunk{Err: err}
					}
					return
				}
			}
		}

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			ev := gjson.Parse(line[len("data: "):])
			switch ev.Get("type").String() {
			case "content_block_delta":
				delta := ev.Get("delta.text").String()
				if delta == "" {
					continue
				}
				ch <- providers.StreamChunk{Data: chatChunk(model, delta, "")}
			case "message_delta":
				if stop := ev.Get("delta.stop_reason").String(); stop != "" {
					ch <- providers.StreamChunk{Data: chatChunk(model, "", finishReason(stop))}
				}
			case "message_stop":
				ch <- providers.StreamChunk{Data: []byte("data: [DONE]\n\n")}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- providers.StreamChunk{Err: err}
		}
	}()

	return ch
}

// chatChunk renders one chat.completion.chunk SSE frame.
func chatChunk(model, content, finish string) []byte {
	var finishVal any
	if finish != "" {
		finishVal = finish
	}
	data, _ := json.Marshal(map[string]any{
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         map[string]string{"content": content},
				"finish_reason": finishVal,
			},
		},
	})
	return []byte("data: " + string(data) + "\n\n")
}

func usageFrom(raw []byte) *providers.Usage {
	u := gjson.GetBytes(raw, "usage")
	if !u.Exists() {
		return nil
	}
	in := u.Get("input_tokens")
	if !in.Exists() {
		in = u.Get("prompt_tokens")
	}
	out := u.Get("output_tokens")
	if !out.Exists() {
		out = u.Get("completion_tokens")
	}
	return &providers.Usage{
		InputTokens:  int(in.Int()),
		OutputTokens: int(out.Int()),
		TotalTokens:  int(in.Int() + out.Int()),
	}
}
