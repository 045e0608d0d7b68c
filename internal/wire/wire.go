// Package wire handles the OneBot wire encodings: JSON everywhere,
// MessagePack as the optional v12 alternative, plus the payload
// preprocessing the protocols require (flattened-key lifting, UNIX
// timestamps, base64 bytes).
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Content types for HTTP bodies, both directions.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/msgpack"
)

// Encode serializes v for a WebSocket frame or HTTP body. binary reports
// whether the result must travel as a binary frame (MessagePack) rather
// than a text frame (JSON).
func Encode(v any, useMsgpack bool) (data []byte, binary bool, err error) {
	if useMsgpack {
		data, err = msgpack.Marshal(v)
		return data, true, err
	}
	data, err = json.Marshal(v)
	return data, false, err
}

// ContentType returns the HTTP content type matching Encode's output.
func ContentType(useMsgpack bool) string {
	if useMsgpack {
		return ContentTypeMsgPack
	}
	return ContentTypeJSON
}

// DecodeFrame parses a WebSocket frame into a generic payload map. Text
// frames carry JSON; binary frames carry MessagePack.
func DecodeFrame(data []byte, binary bool) (map[string]any, error) {
	var payload map[string]any
	if binary {
		if err := msgpack.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode msgpack frame: %w", err)
		}
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode json frame: %w", err)
	}
	return payload, nil
}

// DecodeBody parses an HTTP body according to its Content-Type,
// defaulting to JSON.
func DecodeBody(data []byte, contentType string) (map[string]any, error) {
	return DecodeFrame(data, strings.HasPrefix(contentType, ContentTypeMsgPack))
}

// FlattenedToNested lifts string keys containing "." into nested maps:
// {"qq.key": "v"} becomes {"qq": {"key": "v"}}. List values recurse;
// everything else passes through unchanged. Pure transform, applied to
// v12 payloads before schema validation.
func FlattenedToNested(v any) any {
	switch data := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(data))
		for key, value := range data {
			parts := strings.Split(key, ".")
			target := result
			for _, part := range parts[:len(parts)-1] {
				next, ok := target[part].(map[string]any)
				if !ok {
					next = make(map[string]any)
					target[part] = next
				}
				target = next
			}
			target[parts[len(parts)-1]] = FlattenedToNested(value)
		}
		return result
	case []any:
		result := make([]any, len(data))
		for i, item := range data {
			result[i] = FlattenedToNested(item)
		}
		return result
	}
	return v
}

// Remarshal decodes a generic payload map into a typed destination by
// JSON round-trip. Used after classification to build the concrete event
// struct regardless of which wire encoding the payload arrived in.
func Remarshal(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// B2S renders a boolean the way v11 CQ attribute values expect it.
func B2S(b bool) string {
	return strconv.FormatBool(b)
}

// RichEscape encodes the bracket characters that carry structure in the
// rich-text log form. Comma escaping applies inside parameter values
// but not in plain text.
func RichEscape(s string, escapeComma bool) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	if escapeComma {
		s = strings.ReplaceAll(s, ",", "&#44;")
	}
	return s
}

// Truncate shortens s to at most length runes, ending with "..." when
// anything was cut.
func Truncate(s string, length int) string {
	const end = "..."
	runes := []rune(s)
	if len(runes) <= length {
		return s
	}
	if length <= len(end) {
		return string(runes[:length])
	}
	return string(runes[:length-len(end)]) + end
}
