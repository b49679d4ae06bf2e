package schema

import (
	"fmt"
	"strings"
)

var moderationsSchema = &endpointSchema{
	fields: map[string]fieldCheck{
		"model": checkNonEmptyString,
		"input": checkModerationInput,
	},
	required: []string{"input"},
	rejectN:  true,
}

// checkModerationInput accepts a string, an array of strings, or an array of
// typed parts (text, image_url). Image URLs must be http(s) or data URLs.
func checkModerationInput(path string, v any) *ValidationError {
	switch t := v.(type) {
	case string:
		return nil
	case []any:
		if len(t) == 0 {
			return errAt(path, "minItems", "must not be empty")
		}
		for i, item := range t {
			ipath := fmt.Sprintf("%s.%d", path, i)
			switch part := item.(type) {
			case string:
			case map[string]any:
				if verr := checkModerationPart(ipath, part); verr != nil {
					return verr
				}
			default:
				return errAt(ipath, "type", "must be a string or a typed part")
			}
		}
		return nil
	default:
		return errAt(path, "type", "must be a string or an array")
	}
}

func checkModerationPart(path string, part map[string]any) *ValidationError {
	switch kind, _ := part["type"].(string); kind {
	case "text":
		if _, ok := part["text"].(string); !ok {
			return errAt(path+".text", "type", "must be a string")
		}
		return nil
	case "image_url":
		var url string
		switch u := part["image_url"].(type) {
		case string:
			url = u
		case map[string]any:
			url, _ = u["url"].(string)
		}
		if url == "" {
			return errAt(path+".image_url", "type", "must be a string or an object with a url")
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") &&
			!strings.HasPrefix(url, "data:") {
			return errAt(path+".image_url", "format", "must be an http(s) or data URL")
		}
		return nil
	default:
		return errAt(path+".type", "enum", "must be one of: text, image_url")
	}
}
