package schema

var embeddingsSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":           checkNonEmptyString,
		"input":           checkStringOrStrings,
		"encoding_format": checkEnum("float", "base64"),
		"dimensions":      checkInteger(1, 1<<31),
		"user":            checkString,
	},
	oneOf: []oneOfRule{
		{canonical: "input", alternate: "inputs", required: true},
	},
	rejectN: true,
}
