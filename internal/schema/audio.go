package schema

import "strings"

var audioSpeechSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":           checkNonEmptyString,
		"input":           checkNonEmptyString,
		"voice":           checkString,
		"instructions":    checkString,
		"response_format": checkEnum("mp3", "opus", "aac", "flac", "wav", "pcm"),
		"format":          checkEnum("mp3", "opus", "aac", "flac", "wav", "pcm"),
		"speed":           checkPositiveNumber,
		"stream_format":   checkEnum("sse", "audio"),
	},
	required: []string{"input"},
	rejectN:  true,
}

// Transcription and translation share one shape: the audio source arrives as
// a URL or inline base64, folded onto the URL-form canonical field.
var audioTranscriptionSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":                   checkNonEmptyString,
		"audio_url":               checkNonEmptyString,
		"audio_b64":               checkNonEmptyString,
		"language":                checkString,
		"prompt":                  checkString,
		"temperature":             checkNumber(0, 2),
		"response_format":         checkEnum("json", "text", "srt", "verbose_json", "vtt"),
		"timestamp_granularities": checkTimestampGranularities,
		"stream":                  checkBool,
	},
	oneOf: []oneOfRule{
		{canonical: "audio_url", alternate: "audio_b64", required: true},
	},
	rejectN:   true,
	normalize: normalizeAudioSource,
}

var audioTranslationsSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model":           checkNonEmptyString,
		"audio_url":       checkNonEmptyString,
		"audio_b64":       checkNonEmptyString,
		"prompt":          checkString,
		"temperature":     checkNumber(0, 2),
		"response_format": checkEnum("json", "text", "srt", "verbose_json", "vtt"),
	},
	oneOf: []oneOfRule{
		{canonical: "audio_url", alternate: "audio_b64", required: true},
	},
	rejectN:   true,
	normalize: normalizeAudioSource,
}

// normalizeAudioSource rewrites inline base64 audio folded onto audio_url
// into data-URL form, so the canonical field is always URL-shaped.
func normalizeAudioSource(payload map[string]any) *ValidationError {
	src, ok := payload["audio_url"].(string)
	if !ok {
		return nil
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") ||
		strings.HasPrefix(src, "data:") {
		return nil
	}
	payload["audio_url"] = "data:audio;base64," + src
	return nil
}

func checkTimestampGranularities(path string, v any) *ValidationError {
	if verr := checkStringOrStrings(path, v); verr != nil {
		return verr
	}
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	for _, item := range items {
		s, _ := item.(string)
		if s != "word" && s != "segment" {
			return errAt(path, "enum", "must contain only: word, segment")
		}
	}
	return nil
}
