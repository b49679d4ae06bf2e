package schema

// Schemas for the remaining media and batch endpoints.

var videoGenerationSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":           checkNonEmptyString,
		"prompt":          checkNonEmptyString,
		"duration":        checkNumber(1, 120),
		"seconds":         anyOf(checkInteger(1, 120), checkString),
		"size":            checkString,
		"resolution":      checkString,
		"aspect_ratio":    checkString,
		"fps":             checkInteger(1, 120),
		"seed":            checkInteger(-(1 << 53), 1<<53),
		"image_url":       checkString,
		"negative_prompt": checkString,
	},
	required: []string{"prompt"},
	rejectN:  true,
}

var ocrSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":    checkNonEmptyString,
		"image":    checkNonEmptyString,
		"language": checkString,
		"pages":    checkArray,
		"format":   checkEnum("text", "markdown", "json"),
	},
	required: []string{"image"},
	rejectN:  true,
}

var musicGenerateSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":          checkNonEmptyString,
		"prompt":         checkString,
		"lyrics":         checkString,
		"duration":       checkPositiveNumber,
		"format":         checkEnum("mp3", "wav", "flac"),
		"seed":           checkInteger(-(1 << 53), 1<<53),
		"stream":         checkBool,
		"style":          checkString,
		"instrumental":   checkBool,
		"reference_audio": checkString,
	},
	rejectN: true,
}

var batchSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":             checkNonEmptyString,
		"input_file_id":     checkNonEmptyString,
		"endpoint":          checkNonEmptyString,
		"completion_window": checkEnum("24h"),
		"metadata":          checkObject,
	},
	required:      []string{"input_file_id", "endpoint"},
	modelOptional: true,
	rejectN:       true,
}
