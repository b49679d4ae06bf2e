package schema

var messageRoles = map[string]bool{
	"user":      true,
	"assistant": true,
}

var messagesSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":          checkNonEmptyString,
		"messages":       checkArray,
		"system":         anyOf(checkString, checkArray),
		"max_tokens":     checkInteger(1, 1<<31),
		"temperature":    checkNumber(0, 1),
		"top_p":          checkNumber(0, 1),
		"top_k":          checkInteger(0, 500),
		"stop_sequences": checkStringOrStrings,
		"stream":         checkBool,
		"tools":          checkArray,
		"tool_choice":    nil,
		"thinking":       checkObject,
		"metadata":       checkObject,
		"service_tier":   checkEnum("auto", "standard_only"),
	},
	required: []string{"messages"},
	oneOf: []oneOfRule{
		{canonical: "max_tokens", alternate: "max_output_tokens", required: true},
	},
	rejectN:              true,
	exclusiveStreamTools: true,
	normalize: func(payload map[string]any) *ValidationError {
		return normalizeMessages(payload, "messages", messageRoles)
	},
}
