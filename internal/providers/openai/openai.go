// Package openai adapts the gateway's canonical request shape to the OpenAI
// API. The canonical wire format matches OpenAI's, so request bodies are
// forwarded as-is after the model slug is substituted; only errors and
// streams need handling on the way back.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// endpointPaths maps canonical endpoints to OpenAI REST paths. Endpoints
// absent from this map are not served by this adapter.
var endpointPaths = map[canon.Endpoint]string{
	canon.EndpointChatCompletions:    "/chat/completions",
	canon.EndpointResponses:          "/responses",
	canon.EndpointEmbeddings:         "/embeddings",
	canon.EndpointImagesGenerations:  "/images/generations",
	canon.EndpointImagesEdits:        "/images/edits",
	canon.EndpointAudioSpeech:        "/audio/speech",
	canon.EndpointAudioTranscription: "/audio/transcriptions",
	canon.EndpointAudioTranslations:  "/audio/translations",
	canon.EndpointModerations:        "/moderations",
	canon.EndpointBatch:              "/batches",
}

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sdk        openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing and proxies).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates an OpenAI Adapter.
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

	a.sdk = openaiSDK.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(a.httpClient),
	)
	return a
}

func (a *Adapter) Name() string { return providerName }

// Supports reports whether the endpoint maps to an OpenAI route. Model
// support is declared by the capability catalog, not the adapter.
func (a *Adapter) Supports(endpoint canon.Endpoint, _ string) bool {
	_, ok := endpointPaths[endpoint]
	return ok
}

// HealthCheck verifies auth and connectivity with a one-item model listing.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.sdk.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	return nil
}

// Execute forwards the canonical payload to the OpenAI endpoint. The body
// goes over the wire unchanged except for the model slug and stream flag.
func (a *Adapter) Execute(ctx context.Context, args *providers.ExecuteArgs) (*providers.Result, error) {
	path, ok := endpointPaths[args.Endpoint]
	if !ok {
		return nil, fmt.Errorf("openai: endpoint %s not supported", args.Endpoint)
	}

	body, err := buildBody(args)
	if err != nil {
		return nil, fmt.Errorf("openai: encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.key(args.ByokKey))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, adapterError(resp)
	}

	if args.Stream {
		return &providers.Result{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Stream:      relayBody(resp.Body),
		}, nil
	}

	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	return &providers.Result{
		Status:      resp.StatusCode,
		Body:        out,
		ContentType: resp.Header.Get("Content-Type"),
		ResponseID:  gjson.GetBytes(out, "id").String(),
		Usage:       usageFrom(out),
	}, nil
}

func (a *Adapter) key(byok string) string {
	if byok != "" {
		return byok
	}
	return a.apiKey
}

// buildBody copies the canonical payload and pins the provider-native model
// slug and stream flag.
func buildBody(args *providers.ExecuteArgs) ([]byte, error) {
	body := make(map[string]any, len(args.Payload)+2)
	for k, v := range args.Payload {
		body[k] = v
	}
	if args.ModelSlug != "" {
		body["model"] = args.ModelSlug
	}
	if args.Stream {
		body["stream"] = true
	} else {
		delete(body, "stream")
	}
	return json.Marshal(body)
}

// relayBody reads the upstream stream and forwards raw frames until EOF.
// The channel closes when the upstream does; read errors terminate it with
// an Err chunk.
func relayBody(rc io.ReadCloser) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		defer rc.Close()

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
	}()
	return ch
}

// adapterError converts a non-2xx response into a structured failure with
// the verbatim upstream body preserved for classification.
func adapterError(resp *http.Response) *providers.AdapterError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &providers.AdapterError{
		Provider: providerName,
		Status:   resp.StatusCode,
		Code:     gjson.GetBytes(body, "error.code").String(),
		Message:  gjson.GetBytes(body, "error.message").String(),
		Body:     body,
	}
}

func usageFrom(body []byte) *providers.Usage {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		return nil
	}
	in := u.Get("prompt_tokens")
	if !in.Exists() {
		in = u.Get("input_tokens")
	}
	out := u.Get("completion_tokens")
	if !out.Exists() {
		out = u.Get("output_tokens")
	}
	return &providers.Usage{
		InputTokens:  int(in.Int()),
		OutputTokens: int(out.Int()),
		TotalTokens:  int(u.Get("total_tokens").Int()),
	}
}
