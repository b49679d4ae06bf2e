package schema

var responsesSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":              checkNonEmptyString,
		"input":              anyOf(checkString, checkArray),
		"instructions":       checkString,
		"temperature":        checkNumber(0, 2),
		"top_p":              checkNumber(0, 1),
		"top_logprobs":       checkInteger(0, 20),
		"max_output_tokens":  checkInteger(1, 1<<31),
		"max_tool_calls":     checkInteger(0, 1<<31),
		"stream":             checkBool,
		"tools":              checkArray,
		"tool_choice":        nil,
		"parallel_tool_calls": checkBool,
		"reasoning":          checkReasoning,
		"text":               checkObject,
		"truncation":         checkEnum("auto", "disabled"),
		"store":              checkBool,
		"background":         checkBool,
		"include":            checkStringOrStrings,
		"metadata":           checkObject,
		"previous_response_id": checkString,
		"prompt_cache_key":   checkString,
		"safety_identifier":  checkString,
		"service_tier":       checkEnum("auto", "default", "flex", "priority"),
		"user":               checkString,
	},
	required: []string{"input"},
	aliases: map[string]string{
		"max_tools_calls":       "max_tool_calls",
		"max_completion_tokens": "max_output_tokens",
	},
	nullDefaults:         []string{"prompt_cache_key", "safety_identifier"},
	rejectN:              true,
	exclusiveStreamTools: true,
	hasTools:             responsesHasTools,
}

// responsesHasTools detects tool use in a responses payload: an explicit
// tools array, or tool-call items embedded in structured input.
func responsesHasTools(payload map[string]any) bool {
	if defaultHasTools(payload) {
		return true
	}
	items, ok := payload["input"].([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch kind, _ := obj["type"].(string); kind {
		case "function_call", "function_call_output", "tool_call":
			return true
		}
		if _, present := obj["tool_call_id"]; present {
			return true
		}
	}
	return false
}
