package schema

var imageCommonFields = map[string]fieldCheck{
	"model":              checkNonEmptyString,
	"prompt":             checkNonEmptyString,
	"n":                  checkInteger(1, 10),
	"size":               checkString,
	"quality":            checkString,
	"style":              checkEnum("vivid", "natural"),
	"background":         checkEnum("auto", "transparent", "opaque"),
	"moderation":         checkEnum("auto", "low"),
	"output_format":      checkEnum("png", "jpeg", "webp"),
	"output_compression": checkInteger(0, 100),
	"response_format":    checkEnum("url", "b64_json"),
	"user":               checkString,
	"stream":             checkBool,
}

var imagesGenerationsSchema = &endpointSchema{
	fields:   imageCommonFields,
	required: []string{"prompt"},
}

var imagesEditsSchema = &endpointSchema{
	fields:   withFields(imageCommonFields, map[string]fieldCheck{
		"image": checkStringOrStrings,
		"mask":  checkString,
	}),
	required: []string{"prompt", "image"},
}

// withFields copies a base field map and overlays additional keys.
func withFields(base, extra map[string]fieldCheck) map[string]fieldCheck {
	out := make(map[string]fieldCheck, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
