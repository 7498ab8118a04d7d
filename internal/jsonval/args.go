package jsonval

import (
	"encoding/json"
	"strings"
)

// ParseArg interprets a command-line value: valid JSON is taken as such
// (numbers, booleans, null, arrays, objects, quoted strings) and anything
// else becomes a plain string.
func ParseArg(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return String(raw)
	}
	var v Value
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return String(raw)
	}
	return v
}

// ParseAssignments turns key=value pairs into tool arguments. The value is
// split at the first '='; entries without a key are skipped and returned.
func ParseAssignments(pairs []string) (Object, []string) {
	args := Object{}
	var skipped []string
	for _, pair := range pairs {
		idx := strings.IndexByte(pair, '=')
		if idx <= 0 {
			skipped = append(skipped, pair)
			continue
		}
		args[pair[:idx]] = ParseArg(pair[idx+1:])
	}
	return args, skipped
}

// MarshalObject encodes args as a JSON object, "{}" when empty.
func MarshalObject(args Object) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage("{}"), nil
	}
	return FromObject(args).MarshalJSON()
}
