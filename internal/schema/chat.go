package schema

import "strconv"

var chatRoles = map[string]bool{
	"system":    true,
	"developer": true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

var reasoningEfforts = []string{"none", "minimal", "low", "medium", "high", "xhigh"}

var chatSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":               checkNonEmptyString,
		"messages":            checkArray,
		"temperature":         checkNumber(0, 2),
		"top_p":               checkNumber(0, 1),
		"top_k":               checkInteger(0, 500),
		"max_tokens":          checkInteger(1, 1<<31),
		"max_completion_tokens": checkInteger(1, 1<<31),
		"frequency_penalty":   checkNumber(-2, 2),
		"presence_penalty":    checkNumber(-2, 2),
		"repetition_penalty":  checkPositiveNumber,
		"logprobs":            checkBool,
		"top_logprobs":        checkInteger(0, 20),
		"stop":                checkStringOrStrings,
		"seed":                checkInteger(-(1 << 53), 1<<53),
		"stream":              checkBool,
		"stream_options":      checkObject,
		"tools":               checkToolDefinitions,
		"tool_choice":         nil,
		"parallel_tool_calls": checkBool,
		"response_format":     checkResponseFormat,
		"reasoning":           checkReasoning,
		"reasoning_effort":    checkEnum(reasoningEfforts...),
		"logit_bias":          checkObject,
		"user":                checkString,
		"modalities":          checkStringOrStrings,
		"audio":               checkObject,
		"prediction":          checkObject,
		"web_search_options":  checkObject,
	},
	required:             []string{"messages"},
	rejectN:              true,
	exclusiveStreamTools: true,
	normalize: func(payload map[string]any) *ValidationError {
		return normalizeMessages(payload, "messages", chatRoles)
	},
}

// checkToolDefinitions validates the function-tool shape
// {type:"function", function:{name, ...}}.
func checkToolDefinitions(path string, v any) *ValidationError {
	tools, ok := v.([]any)
	if !ok {
		return errAt(path, "type", "must be an array")
	}
	for i, item := range tools {
		tpath := path + "." + strconv.Itoa(i)
		tool, ok := item.(map[string]any)
		if !ok {
			return errAt(tpath, "type", "must be an object")
		}
		kind, _ := tool["type"].(string)
		if kind != "function" {
			return errAt(tpath+".type", "enum", "must be \"function\"")
		}
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			return errAt(tpath+".function", "type", "must be an object")
		}
		if name, _ := fn["name"].(string); name == "" {
			return errAt(tpath+".function.name", "missing_required", "name is required")
		}
	}
	return nil
}

// checkResponseFormat accepts the string shorthand or the typed object form.
func checkResponseFormat(path string, v any) *ValidationError {
	switch t := v.(type) {
	case string:
		return checkEnum("text", "json_object", "json_schema")(path, t)
	case map[string]any:
		kind, _ := t["type"].(string)
		if verr := checkEnum("text", "json_object", "json_schema")(path+".type", kind); verr != nil {
			return verr
		}
		if kind == "json_schema" {
			if _, ok := t["json_schema"].(map[string]any); !ok {
				return errAt(path+".json_schema", "type", "must be an object")
			}
		}
		return nil
	default:
		return errAt(path, "type", "must be a string or an object")
	}
}

func checkReasoning(path string, v any) *ValidationError {
	obj, ok := v.(map[string]any)
	if !ok {
		return errAt(path, "type", "must be an object")
	}
	if effort, present := obj["effort"]; present && effort != nil {
		if verr := checkEnum(reasoningEfforts...)(path+".effort", effort); verr != nil {
			return verr
		}
	}
	if budget, present := obj["max_tokens"]; present && budget != nil {
		if verr := checkInteger(0, 1<<31)(path+".max_tokens", budget); verr != nil {
			return verr
		}
	}
	return nil
}
