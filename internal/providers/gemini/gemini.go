// Package gemini adapts the gateway's canonical request shape to Google
// Gemini via the official GenAI SDK. Unlike the pass-through adapters this
// one is fully translated: canonical chat payloads become Content lists and
// the SDK's responses are rebuilt into the unified envelope.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const providerName = "gemini"

// Adapter implements providers.Adapter for Google Gemini.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	client     *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Gemini Adapter. Returns an error when the SDK client cannot
// be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	a := &Adapter{apiKey: apiKey}
	for _, o := range opts {
		o(a)
	}
	a.httpClient = &http.Client{Timeout: providers.AttemptTimeout}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if a.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client
	return a, nil
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Supports(endpoint canon.Endpoint, _ string) bool {
	return endpoint == canon.EndpointChatCompletions || endpoint == canon.EndpointEmbeddings
}

// HealthCheck verifies auth and connectivity with a one-item model listing.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toAdapterError(err))
	}
	return nil
}

func (a *Adapter) Execute(ctx context.Context, args *providers.ExecuteArgs) (*providers.Result, error) {
	client, err := a.clientForKey(ctx, args.ByokKey)
	if err != nil {
		return nil, err
	}

	switch args.Endpoint {
	case canon.EndpointChatCompletions:
		contents, cfg := buildContents(args.Payload)
		if args.Stream {
			return a.generateStream(ctx, client, args.ModelSlug, contents, cfg), nil
		}
		return a.generate(ctx, client, args.ModelSlug, contents, cfg)
	case canon.EndpointEmbeddings:
		return a.embed(ctx, client, args)
	default:
		return nil, fmt.Errorf("gemini: endpoint %s not supported", args.Endpoint)
	}
}

func (a *Adapter) generate(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Result, error) {
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toAdapterError(err)
	}

	id := responseID(resp)
	text := ""
	if resp != nil {
		text = resp.Text()
	}
	finish := "stop"
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		finish = mapFinishReason(resp.Candidates[0].FinishReason)
	}

	usage := &providers.Usage{}
	if resp != nil && resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	body, _ := json.Marshal(map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": finish,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.TotalTokens,
		},
	})

	return &providers.Result{
		Status:      http.StatusOK,
		Body:        body,
		ContentType: "application/json",
		ResponseID:  id,
		Usage:       usage,
	}, nil
}

func (a *Adapter) generateStream(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) *providers.Result {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{Err: toAdapterError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = mapFinishReason(c.FinishReason)
			}
			if text == "" && finish == "" {
				continue
			}
			ch <- providers.StreamChunk{Data: chatChunk(model, text, finish)}
		}
		ch <- providers.StreamChunk{Data: []byte("data: [DONE]\n\n")}
	}()

	return &providers.Result{
		Status:      http.StatusOK,
		ContentType: "text/event-stream",
		Stream:      ch,
	}
}

func (a *Adapter) embed(ctx context.Context, client *genai.Client, args *providers.ExecuteArgs) (*providers.Result, error) {
	var inputs []string
	switch in := args.Payload["input"].(type) {
	case string:
		inputs = []string{in}
	case []any:
		for _, v := range in {
			if s, ok := v.(string); ok {
				inputs = append(inputs, s)
			}
		}
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("gemini: embed: no string input")
	}

	contents := make([]*genai.Content, len(inputs))
	for i, text := range inputs {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := client.Models.EmbedContent(ctx, args.ModelSlug, contents, nil)
	if err != nil {
		return nil, toAdapterError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini: embed: empty response")
	}

	data := make([]map[string]any, 0, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data = append(data, map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": emb.Values,
		})
	}

	body, _ := json.Marshal(map[string]any{
		"object": "list",
		"model":  args.ModelSlug,
		"data":   data,
	})

	return &providers.Result{
		Status:      http.StatusOK,
		Body:        body,
		ContentType: "application/json",
	}, nil
}

func (a *Adapter) clientForKey(ctx context.Context, byok string) (*genai.Client, error) {
	if byok == "" || byok == a.apiKey {
		return a.client, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:     byok,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if a.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

// buildContents translates a canonical chat payload into GenAI contents and
// config: system/developer turns become the system instruction, sampling
// and token settings move to GenerateContentConfig.
func buildContents(payload map[string]any) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	var contents []*genai.Content

	if raw, ok := payload["messages"].([]any); ok {
		for _, m := range raw {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			text := textOf(msg["content"])
			switch role {
			case "system", "developer":
				if text != "" {
					system = append(system, text)
				}
			case "assistant":
				contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
			default:
				contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
			}
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n")}},
		}
	}
	if v, ok := payload["temperature"].(float64); ok {
		cfg.Temperature = genai.Ptr[float32](float32(v))
	}
	if v, ok := payload["top_p"].(float64); ok {
		cfg.TopP = genai.Ptr[float32](float32(v))
	}
	if v, ok := payload["max_tokens"].(float64); ok {
		cfg.MaxOutputTokens = int32(v)
	} else if v, ok := payload["max_completion_tokens"].(float64); ok {
		cfg.MaxOutputTokens = int32(v)
	}

	return contents, cfg
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

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func mapFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return "content_filter"
	default:
		return "stop"
	}
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

func responseID(resp *genai.GenerateContentResponse) string {
	if resp != nil && resp.ResponseID != "" {
		return resp.ResponseID
	}
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// toAdapterError converts SDK errors into the structured failure the
// classifier consumes, preserving the upstream message.
func toAdapterError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    apiErr.Code,
				"message": apiErr.Message,
				"status":  apiErr.Status,
			},
		})
		return &providers.AdapterError{
			Provider: providerName,
			Status:   apiErr.Code,
			Code:     apiErr.Status,
			Message:  apiErr.Message,
			Body:     body,
		}
	}
	return err
}
