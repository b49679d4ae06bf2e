package schema

import "fmt"

// Content part discriminators accepted inside structured message content.
var contentPartTypes = map[string]bool{
	"text":        true,
	"image_url":   true,
	"input_audio": true,
	"input_video": true,
	"video_url":   true,
	"file":        true,
	"tool_call":   true,
	"tool_result": true,
}

// normalizeMessages validates a messages array and canonicalizes every
// message's content to the array-of-parts form, so downstream consumers
// handle exactly one shape. Plain-string content becomes a single text part.
// Already-normalized input passes through unchanged.
func normalizeMessages(payload map[string]any, path string, roles map[string]bool) *ValidationError {
	raw, present := payload[path]
	if !present || raw == nil {
		return errAt(path, "missing_required", "%s is required", path)
	}
	messages, ok := raw.([]any)
	if !ok {
		return errAt(path, "type", "must be an array")
	}
	if len(messages) == 0 {
		return errAt(path, "minItems", "must contain at least one message")
	}

	for i, item := range messages {
		mpath := fmt.Sprintf("%s.%d", path, i)
		msg, ok := item.(map[string]any)
		if !ok {
			return errAt(mpath, "type", "must be an object")
		}

		role, _ := msg["role"].(string)
		if role == "" {
			return errAt(mpath+".role", "missing_required", "role is required")
		}
		if !roles[role] {
			return errAt(mpath+".role", "enum", "unknown role %q", role)
		}

		// Assistant tool-call turns may carry null content.
		content, present := msg["content"]
		if !present || content == nil {
			if role == "assistant" {
				continue
			}
			return errAt(mpath+".content", "missing_required", "content is required")
		}

		parts, verr := canonicalContentParts(mpath+".content", content)
		if verr != nil {
			return verr
		}
		msg["content"] = parts
	}
	return nil
}

// canonicalContentParts folds string-or-parts content into the parts form.
func canonicalContentParts(path string, content any) ([]any, *ValidationError) {
	switch t := content.(type) {
	case string:
		return []any{map[string]any{"type": "text", "text": t}}, nil
	case []any:
		if len(t) == 0 {
			return nil, errAt(path, "minItems", "must contain at least one part")
		}
		for i, item := range t {
			ppath := fmt.Sprintf("%s.%d", path, i)
			part, ok := item.(map[string]any)
			if !ok {
				return nil, errAt(ppath, "type", "must be an object")
			}
			kind, _ := part["type"].(string)
			if kind == "" {
				return nil, errAt(ppath+".type", "missing_required", "type is required")
			}
			if !contentPartTypes[kind] {
				return nil, errAt(ppath+".type", "enum", "unknown content part type %q", kind)
			}
			if verr := checkContentPart(ppath, kind, part); verr != nil {
				return nil, verr
			}
		}
		return t, nil
	default:
		return nil, errAt(path, "type", "must be a string or an array of content parts")
	}
}

func checkContentPart(path, kind string, part map[string]any) *ValidationError {
	switch kind {
	case "text":
		if _, ok := part["text"].(string); !ok {
			return errAt(path+".text", "type", "must be a string")
		}
	case "image_url":
		switch u := part["image_url"].(type) {
		case string:
		case map[string]any:
			if _, ok := u["url"].(string); !ok {
				return errAt(path+".image_url.url", "type", "must be a string")
			}
		default:
			return errAt(path+".image_url", "type", "must be a string or an object with a url")
		}
	case "input_audio":
		if verr := checkObject(path+".input_audio", part["input_audio"]); verr != nil {
			return verr
		}
	case "video_url":
		if _, ok := part["video_url"].(string); !ok {
			if obj, isObj := part["video_url"].(map[string]any); !isObj {
				return errAt(path+".video_url", "type", "must be a string or an object with a url")
			} else if _, ok := obj["url"].(string); !ok {
				return errAt(path+".video_url.url", "type", "must be a string")
			}
		}
	}
	return nil
}
