package schema

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
)

func mustValidate(t *testing.T, endpoint canon.Endpoint, body string) *canon.CanonicalRequest {
	t.Helper()
	req, verr := Validate(endpoint, []byte(body))
	if verr != nil {
		t.Fatalf("Validate(%s) failed: %v", endpoint, verr)
	}
	return req
}

func TestValidateRejectsStreamWithTools(t *testing.T) {
	tests := []struct {
		endpoint canon.Endpoint
		body     string
	}{
		{
			canon.EndpointChatCompletions,
			`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true,"tools":[{"type":"function","function":{"name":"f"}}]}`,
		},
		{
			canon.EndpointResponses,
			`{"model":"gpt-4o","input":"hi","stream":true,"tools":[{"type":"function","name":"f"}]}`,
		},
		{
			canon.EndpointMessages,
			`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"stream":true,"tools":[{"name":"f"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.endpoint), func(t *testing.T) {
			_, verr := Validate(tt.endpoint, []byte(tt.body))
			if verr == nil {
				t.Fatal("expected a validation error, got none")
			}
			if verr.Path != "stream" {
				t.Errorf("path = %q, want stream", verr.Path)
			}
		})
	}
}

func TestValidateRejectsStreamWithResponsesInputToolItems(t *testing.T) {
	body := `{"model":"gpt-4o","stream":true,"input":[{"type":"function_call_output","call_id":"c1","output":"42"}]}`
	_, verr := Validate(canon.EndpointResponses, []byte(body))
	if verr == nil {
		t.Fatal("expected a validation error, got none")
	}
	if verr.Path != "stream" {
		t.Errorf("path = %q, want stream", verr.Path)
	}
}

func TestValidateRejectsLegacyN(t *testing.T) {
	tests := []struct {
		endpoint canon.Endpoint
		body     string
	}{
		{canon.EndpointChatCompletions, `{"model":"m","messages":[{"role":"user","content":"hi"}],"n":1}`},
		{canon.EndpointChatCompletions, `{"model":"m","messages":[{"role":"user","content":"hi"}],"n":3}`},
		{canon.EndpointResponses, `{"model":"m","input":"hi","n":2}`},
		{canon.EndpointMessages, `{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":5,"n":1}`},
		{canon.EndpointEmbeddings, `{"model":"m","input":"hi","n":1}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.endpoint), func(t *testing.T) {
			_, verr := Validate(tt.endpoint, []byte(tt.body))
			if verr == nil {
				t.Fatal("expected a validation error, got none")
			}
			if verr.Path != "n" {
				t.Errorf("path = %q, want n", verr.Path)
			}
		})
	}
}

func TestValidateAllowsImageN(t *testing.T) {
	req := mustValidate(t, canon.EndpointImagesGenerations, `{"model":"m","prompt":"a cat","n":4}`)
	if req.Payload["n"] != float64(4) {
		t.Errorf("n = %v, want 4", req.Payload["n"])
	}
	_, verr := Validate(canon.EndpointImagesGenerations, []byte(`{"model":"m","prompt":"a cat","n":11}`))
	if verr == nil {
		t.Fatal("expected range error for n=11")
	}
}

func TestValidateEmbeddingsInputsFold(t *testing.T) {
	req := mustValidate(t, canon.EndpointEmbeddings, `{"model":"m","inputs":["a","b"]}`)

	want := []any{"a", "b"}
	if !reflect.DeepEqual(req.Payload["input"], want) {
		t.Errorf("input = %v, want %v", req.Payload["input"], want)
	}
	if _, present := req.Payload["inputs"]; present {
		t.Error("inputs must be removed after folding")
	}
}

func TestValidateEmbeddingsOneOf(t *testing.T) {
	if _, verr := Validate(canon.EndpointEmbeddings, []byte(`{"model":"m"}`)); verr == nil {
		t.Error("expected error when neither input nor inputs is present")
	}
	if _, verr := Validate(canon.EndpointEmbeddings, []byte(`{"model":"m","input":"a","inputs":["b"]}`)); verr == nil {
		t.Error("expected error when both input and inputs are present")
	}
}

func TestValidateResponsesAliasesAndNullDefaults(t *testing.T) {
	req := mustValidate(t, canon.EndpointResponses, `{"model":"m","input":"hi","max_tools_calls":3}`)

	if req.Payload["max_tool_calls"] != float64(3) {
		t.Errorf("max_tool_calls = %v, want 3", req.Payload["max_tool_calls"])
	}
	if _, present := req.Payload["max_tools_calls"]; present {
		t.Error("alias must be removed after folding")
	}
	for _, key := range []string{"prompt_cache_key", "safety_identifier"} {
		v, present := req.Payload[key]
		if !present {
			t.Errorf("%s must be present as explicit null", key)
		}
		if v != nil {
			t.Errorf("%s = %v, want null", key, v)
		}
	}
}

func TestValidateMessagesMaxTokensOneOf(t *testing.T) {
	req := mustValidate(t, canon.EndpointMessages,
		`{"model":"m","messages":[{"role":"user","content":"hi"}],"max_output_tokens":256}`)
	if req.Payload["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v, want 256", req.Payload["max_tokens"])
	}

	_, verr := Validate(canon.EndpointMessages, []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	if verr == nil {
		t.Fatal("expected error when neither max_tokens nor max_output_tokens is present")
	}
	if verr.Path != "max_tokens" {
		t.Errorf("path = %q, want max_tokens", verr.Path)
	}
}

func TestValidateNormalizesStringContentToParts(t *testing.T) {
	req := mustValidate(t, canon.EndpointChatCompletions,
		`{"model":"m","messages":[{"role":"user","content":"hello"}]}`)

	messages := req.Payload["messages"].([]any)
	content := messages[0].(map[string]any)["content"]
	want := []any{map[string]any{"type": "text", "text": "hello"}}
	if !reflect.DeepEqual(content, want) {
		t.Errorf("content = %v, want %v", content, want)
	}
}

func TestValidateIdempotent(t *testing.T) {
	bodies := map[canon.Endpoint]string{
		canon.EndpointChatCompletions:    `{"model":"m","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":[{"type":"text","text":"yo"}]}],"temperature":0.5,"custom_key":{"a":1}}`,
		canon.EndpointResponses:          `{"model":"m","input":"hi","max_tools_calls":3}`,
		canon.EndpointEmbeddings:         `{"model":"m","inputs":["a","b"]}`,
		canon.EndpointMessages:           `{"model":"m","messages":[{"role":"user","content":"hi"}],"max_output_tokens":10}`,
		canon.EndpointAudioTranscription: `{"model":"m","audio_b64":"aGVsbG8="}`,
		canon.EndpointModerations:        `{"model":"m","input":["some text",{"type":"image_url","image_url":"https://x/y.png"}]}`,
	}
	for endpoint, body := range bodies {
		t.Run(string(endpoint), func(t *testing.T) {
			first := mustValidate(t, endpoint, body)

			again, err := json.Marshal(first.Payload)
			if err != nil {
				t.Fatal(err)
			}
			second := mustValidate(t, endpoint, string(again))

			if !reflect.DeepEqual(first.Payload, second.Payload) {
				t.Errorf("normalization is not a fixed point:\nfirst:  %v\nsecond: %v", first.Payload, second.Payload)
			}
		})
	}
}

func TestValidateStripsGatewayKeys(t *testing.T) {
	body := `{
		"model":"m","messages":[{"role":"user","content":"hi"}],
		"provider":{"order":["openai","anthropic"],"ignore":["gemini"],"include_experimental":true},
		"debug":{"enabled":true,"return_upstream_response":true},
		"echo_upstream_request":true,
		"meta":true
	}`
	req := mustValidate(t, canon.EndpointChatCompletions, body)

	for _, key := range []string{"provider", "debug", "echo_upstream_request", "meta"} {
		if _, present := req.Payload[key]; present {
			t.Errorf("gateway key %q must be stripped from payload", key)
		}
		if _, present := req.Extra[key]; present {
			t.Errorf("gateway key %q must not land in extra", key)
		}
	}
	if req.Routing == nil {
		t.Fatal("routing preferences not extracted")
	}
	if !reflect.DeepEqual(req.Routing.Order, []string{"openai", "anthropic"}) {
		t.Errorf("order = %v", req.Routing.Order)
	}
	if !reflect.DeepEqual(req.Routing.Ignore, []string{"gemini"}) {
		t.Errorf("ignore = %v", req.Routing.Ignore)
	}
	if !req.Routing.IncludeExperimental {
		t.Error("include_experimental not extracted")
	}
	if !req.Directives.Debug.Enabled || !req.Directives.Debug.ReturnUpstreamResponse {
		t.Errorf("debug options = %+v", req.Directives.Debug)
	}
	if !req.Directives.EchoUpstream || !req.Directives.ReturnMeta {
		t.Errorf("directives = %+v", req.Directives)
	}
}

func TestValidateUnknownKeysLandInExtra(t *testing.T) {
	req := mustValidate(t, canon.EndpointChatCompletions,
		`{"model":"m","messages":[{"role":"user","content":"hi"}],"vendor_specific":{"knob":1}}`)

	if _, present := req.Payload["vendor_specific"]; present {
		t.Error("unknown key must not stay in payload")
	}
	want := map[string]any{"knob": float64(1)}
	if !reflect.DeepEqual(req.Extra["vendor_specific"], want) {
		t.Errorf("extra = %v, want %v", req.Extra["vendor_specific"], want)
	}
}

func TestValidateNumericRanges(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string // path of the expected error, "" for success
	}{
		{"temperature too high", `{"model":"m","messages":[{"role":"user","content":"hi"}],"temperature":2.5}`, "temperature"},
		{"temperature at bound", `{"model":"m","messages":[{"role":"user","content":"hi"}],"temperature":2}`, ""},
		{"top_p negative", `{"model":"m","messages":[{"role":"user","content":"hi"}],"top_p":-0.1}`, "top_p"},
		{"top_logprobs too high", `{"model":"m","messages":[{"role":"user","content":"hi"}],"top_logprobs":21}`, "top_logprobs"},
		{"top_logprobs fractional", `{"model":"m","messages":[{"role":"user","content":"hi"}],"top_logprobs":1.5}`, "top_logprobs"},
		{"effort enum bad", `{"model":"m","messages":[{"role":"user","content":"hi"}],"reasoning":{"effort":"extreme"}}`, "reasoning.effort"},
		{"effort enum ok", `{"model":"m","messages":[{"role":"user","content":"hi"}],"reasoning":{"effort":"xhigh"}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, verr := Validate(canon.EndpointChatCompletions, []byte(tt.body))
			if tt.wantErr == "" {
				if verr != nil {
					t.Fatalf("unexpected error: %v", verr)
				}
				return
			}
			if verr == nil {
				t.Fatal("expected a validation error, got none")
			}
			if verr.Path != tt.wantErr {
				t.Errorf("path = %q, want %q", verr.Path, tt.wantErr)
			}
		})
	}
}

func TestValidateMessagesTemperatureRange(t *testing.T) {
	// The messages endpoint caps temperature at 1, unlike chat.
	_, verr := Validate(canon.EndpointMessages,
		[]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":5,"temperature":1.5}`))
	if verr == nil || verr.Path != "temperature" {
		t.Errorf("expected temperature range error, got %v", verr)
	}
}

func TestValidateAudioBase64FoldsToDataURL(t *testing.T) {
	req := mustValidate(t, canon.EndpointAudioTranscription, `{"model":"m","audio_b64":"aGVsbG8="}`)

	if req.Payload["audio_url"] != "data:audio;base64,aGVsbG8=" {
		t.Errorf("audio_url = %v", req.Payload["audio_url"])
	}
	if _, present := req.Payload["audio_b64"]; present {
		t.Error("audio_b64 must be removed after folding")
	}
}

func TestValidateMalformedBody(t *testing.T) {
	for _, body := range []string{``, `not json`, `[1,2,3]`, `"str"`, `null`} {
		if _, verr := Validate(canon.EndpointChatCompletions, []byte(body)); verr == nil {
			t.Errorf("body %q: expected a validation error", body)
		}
	}
}

func TestValidateUnknownEndpoint(t *testing.T) {
	_, verr := Validate(canon.Endpoint("completions.legacy"), []byte(`{}`))
	if verr == nil {
		t.Fatal("expected a validation error for unknown endpoint")
	}
}

func TestValidateModelRequired(t *testing.T) {
	_, verr := Validate(canon.EndpointChatCompletions, []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if verr == nil || verr.Path != "model" {
		t.Errorf("expected model required error, got %v", verr)
	}

	// Moderations is no exception: without a model nothing can be routed.
	_, verr = Validate(canon.EndpointModerations, []byte(`{"input":"some text"}`))
	if verr == nil || verr.Path != "model" {
		t.Errorf("expected model required error for moderations, got %v", verr)
	}

	req := mustValidate(t, canon.EndpointModerations, `{"model":"omni-moderation-latest","input":"some text"}`)
	if req.Model != "omni-moderation-latest" {
		t.Errorf("model = %q, want omni-moderation-latest", req.Model)
	}
}
