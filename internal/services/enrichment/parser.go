package enrichment

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParsedResponse is model output split into a display value and flat datapoints
type ParsedResponse struct {
	DisplayValue   string
	StructuredData map[string]interface{}
}

// fencedBlockRegex matches ``` or ```json fenced blocks
var fencedBlockRegex = regexp.MustCompile("(?s)```(?:json|JSON)?[ \\t]*\\r?\\n?(.*?)```")

// ParseResponse extracts structured data from raw model text. Strategies are
// tried in order: whole text as a JSON object, a fenced code block, the first
// brace-matched object, and finally the raw text itself. It never fails.
func ParseResponse(raw string) (parsed ParsedResponse) {
	text := strings.TrimSpace(raw)

	defer func() {
		if r := recover(); r != nil {
			parsed = fallbackResponse(text)
		}
	}()

	if obj, ok := parseObject(text); ok {
		return fromObject(obj)
	}

	if m := fencedBlockRegex.FindStringSubmatch(text); len(m) == 2 {
		if obj, ok := parseObject(strings.TrimSpace(m[1])); ok {
			return fromObject(obj)
		}
	}

	if span, ok := firstBalancedObject(text); ok {
		if obj, ok := parseObject(span); ok {
			return fromObject(obj)
		}
	}

	return fallbackResponse(text)
}

func fallbackResponse(text string) ParsedResponse {
	return ParsedResponse{
		DisplayValue:   text,
		StructuredData: map[string]interface{}{"result": text},
	}
}

// parseObject accepts only JSON objects; arrays and scalars are rejected
func parseObject(text string) (map[string]interface{}, bool) {
	if text == "" || text[0] != '{' {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		return nil, false
	}
	return obj, true
}

// firstBalancedObject returns the span from the first '{' to its matching
// '}', ignoring braces inside JSON strings.
func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func fromObject(obj map[string]interface{}) ParsedResponse {
	data := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		data[k] = normalizeValue(v)
	}

	display := fmt.Sprintf("%d datapoints", len(data))
	if len(data) == 1 {
		for _, v := range data {
			display = Stringify(v)
		}
	}

	return ParsedResponse{
		DisplayValue:   display,
		StructuredData: data,
	}
}

// normalizeValue flattens a decoded JSON value to a scalar or nil
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string, float64:
		return val
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, Stringify(item))
		}
		return strings.Join(parts, ", ")
	case map[string]interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return Stringify(val)
	}
}

// Stringify renders a cell or datapoint value as display text
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
