package bencode

import "encoding/json"

// ToJSON renders a decoded Value as a JSON-compatible Go value, the way the
// `decode` CLI subcommand prints it. Byte-strings are treated as if they
// were UTF-8 text for display purposes only; the decoder itself never makes
// that assumption.
func ToJSON(v Value) interface{} {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindBytes:
		return string(v.Bytes)
	case KindList:
		out := make([]interface{}, len(v.List))
		for i, item := range v.List {
			out[i] = ToJSON(item)
		}
		return out
	case KindDict:
		out := make(map[string]interface{}, len(v.Dict))
		for k, item := range v.Dict {
			out[k] = ToJSON(item)
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders v as a JSON document, matching the `decode` CLI
// subcommand's output.
func MarshalJSON(v Value) ([]byte, error) {
	return json.Marshal(ToJSON(v))
}
