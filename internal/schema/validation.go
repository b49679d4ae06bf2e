package schema

import (
	"fmt"
	"math"
	"strings"
)

// ValidationError is a path-qualified, structured rejection of a client
// payload. It is the only failure shape this package produces.
type ValidationError struct {
	Path    string         `json:"path,omitempty"`
	Message string         `json:"message"`
	Keyword string         `json:"keyword,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Detail renders the error as one entry of a client-facing details array.
func (e *ValidationError) Detail() map[string]any {
	d := map[string]any{"message": e.Message}
	if e.Path != "" {
		d["path"] = strings.Split(e.Path, ".")
	}
	if e.Keyword != "" {
		d["keyword"] = e.Keyword
	}
	if len(e.Params) > 0 {
		d["params"] = e.Params
	}
	return d
}

func errAt(path, keyword, format string, args ...any) *ValidationError {
	return &ValidationError{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
		Keyword: keyword,
	}
}

// fieldCheck validates one payload value at a path. Checks receive only
// non-nil values; explicit nulls and absent keys are handled by the
// registry before dispatch.
type fieldCheck func(path string, v any) *ValidationError

func checkString(path string, v any) *ValidationError {
	if _, ok := v.(string); !ok {
		return errAt(path, "type", "must be a string")
	}
	return nil
}

func checkNonEmptyString(path string, v any) *ValidationError {
	s, ok := v.(string)
	if !ok {
		return errAt(path, "type", "must be a string")
	}
	if strings.TrimSpace(s) == "" {
		return errAt(path, "minLength", "must not be empty")
	}
	return nil
}

func checkBool(path string, v any) *ValidationError {
	if _, ok := v.(bool); !ok {
		return errAt(path, "type", "must be a boolean")
	}
	return nil
}

func checkObject(path string, v any) *ValidationError {
	if _, ok := v.(map[string]any); !ok {
		return errAt(path, "type", "must be an object")
	}
	return nil
}

func checkArray(path string, v any) *ValidationError {
	if _, ok := v.([]any); !ok {
		return errAt(path, "type", "must be an array")
	}
	return nil
}

// checkNumber bounds-checks a JSON number inclusively.
func checkNumber(min, max float64) fieldCheck {
	return func(path string, v any) *ValidationError {
		f, ok := v.(float64)
		if !ok {
			return errAt(path, "type", "must be a number")
		}
		if f < min || f > max {
			return errAt(path, "range", "must be between %v and %v", min, max)
		}
		return nil
	}
}

func checkInteger(min, max float64) fieldCheck {
	return func(path string, v any) *ValidationError {
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return errAt(path, "type", "must be an integer")
		}
		if f < min || f > max {
			return errAt(path, "range", "must be between %v and %v", int64(min), int64(max))
		}
		return nil
	}
}

func checkPositiveNumber(path string, v any) *ValidationError {
	f, ok := v.(float64)
	if !ok {
		return errAt(path, "type", "must be a number")
	}
	if f <= 0 {
		return errAt(path, "range", "must be greater than 0")
	}
	return nil
}

func checkEnum(values ...string) fieldCheck {
	return func(path string, v any) *ValidationError {
		s, ok := v.(string)
		if !ok {
			return errAt(path, "type", "must be a string")
		}
		for _, allowed := range values {
			if s == allowed {
				return nil
			}
		}
		return errAt(path, "enum", "must be one of: %s", strings.Join(values, ", "))
	}
}

// checkStringOrStrings accepts a plain string or a non-empty array of strings.
func checkStringOrStrings(path string, v any) *ValidationError {
	switch t := v.(type) {
	case string:
		return nil
	case []any:
		if len(t) == 0 {
			return errAt(path, "minItems", "must not be empty")
		}
		for i, item := range t {
			if _, ok := item.(string); !ok {
				return errAt(fmt.Sprintf("%s.%d", path, i), "type", "must be a string")
			}
		}
		return nil
	default:
		return errAt(path, "type", "must be a string or an array of strings")
	}
}

// anyOf passes when at least one of the checks passes; reports the first
// check's error otherwise.
func anyOf(checks ...fieldCheck) fieldCheck {
	return func(path string, v any) *ValidationError {
		var first *ValidationError
		for _, c := range checks {
			err := c(path, v)
			if err == nil {
				return nil
			}
			if first == nil {
				first = err
			}
		}
		return first
	}
}
