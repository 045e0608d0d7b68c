package v12

import (
	"fmt"
	"strings"

	"github.com/onebot-go/adapter/internal/wire"
)

// Segment is a single piece of a v12 message. Unlike v11 there is no
// string-embedded form; messages always travel as segment arrays.
type Segment struct {
	Type string         `json:"type" msgpack:"type"`
	Data map[string]any `json:"data" msgpack:"data"`
}

// IsText reports whether the segment is plain text.
func (s Segment) IsText() bool { return s.Type == "text" }

// String renders the segment for logs without value truncation. Not a
// wire format.
func (s Segment) String() string { return s.ToRichText(0) }

// ToRichText renders the segment in the bracketed log form:
// [type:k=v, ...] with structural characters escaped and each value
// truncated to limit runes. A limit of 0 disables truncation.
func (s Segment) ToRichText(limit int) string {
	if s.IsText() {
		text, _ := s.Data["text"].(string)
		return wire.RichEscape(text, false)
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(s.Type)
	first := true
	for _, k := range sortedKeys(s.Data) {
		v := s.Data[k]
		if v == nil {
			continue
		}
		val := fmt.Sprint(v)
		if limit > 0 {
			val = wire.Truncate(val, limit)
		}
		if first {
			b.WriteByte(':')
			first = false
		} else {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(wire.RichEscape(val, true))
	}
	b.WriteByte(']')
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// Message is an ordered list of segments.
type Message []Segment

func (m Message) String() string {
	var b strings.Builder
	for _, s := range m {
		b.WriteString(s.String())
	}
	return b.String()
}

// ToRichText renders the whole message in the bracketed log form.
func (m Message) ToRichText(limit int) string {
	var b strings.Builder
	for _, s := range m {
		b.WriteString(s.ToRichText(limit))
	}
	return b.String()
}

// ExtractPlainText concatenates the text of all text segments.
func (m Message) ExtractPlainText() string {
	var b strings.Builder
	for _, s := range m {
		if s.IsText() {
			if text, ok := s.Data["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

// Reduce merges runs of adjacent text segments.
func (m Message) Reduce() Message {
	out := make(Message, 0, len(m))
	for _, s := range m {
		if s.IsText() && len(out) > 0 && out[len(out)-1].IsText() {
			prev, _ := out[len(out)-1].Data["text"].(string)
			cur, _ := s.Data["text"].(string)
			out[len(out)-1] = Text(prev + cur)
			continue
		}
		out = append(out, s)
	}
	return out
}

// FromAny coerces a string, segment list, or single segment map into a
// Message.
func FromAny(v any) Message {
	switch val := v.(type) {
	case string:
		return Message{Text(val)}
	case []any:
		var msg Message
		for _, item := range val {
			msg = append(msg, FromAny(item)...)
		}
		return msg
	case map[string]any:
		typ, _ := val["type"].(string)
		data, _ := val["data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		return Message{{Type: typ, Data: data}}
	case Message:
		return val
	case Segment:
		return Message{val}
	}
	return nil
}

// Segment constructors for the standard v12 types.

func Text(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

func Mention(userID string) Segment {
	return Segment{Type: "mention", Data: map[string]any{"user_id": userID}}
}

func MentionAll() Segment {
	return Segment{Type: "mention_all", Data: map[string]any{}}
}

func Image(fileID string) Segment {
	return Segment{Type: "image", Data: map[string]any{"file_id": fileID}}
}

func Voice(fileID string) Segment {
	return Segment{Type: "voice", Data: map[string]any{"file_id": fileID}}
}

func Audio(fileID string) Segment {
	return Segment{Type: "audio", Data: map[string]any{"file_id": fileID}}
}

func Video(fileID string) Segment {
	return Segment{Type: "video", Data: map[string]any{"file_id": fileID}}
}

func File(fileID string) Segment {
	return Segment{Type: "file", Data: map[string]any{"file_id": fileID}}
}

func Location(latitude, longitude float64, title, content string) Segment {
	return Segment{Type: "location", Data: map[string]any{
		"latitude": latitude, "longitude": longitude,
		"title": title, "content": content,
	}}
}

// Reply references an earlier message. userID identifies its sender and
// may be empty when the implementation omits it.
func Reply(messageID, userID string) Segment {
	data := map[string]any{"message_id": messageID}
	if userID != "" {
		data["user_id"] = userID
	}
	return Segment{Type: "reply", Data: data}
}
