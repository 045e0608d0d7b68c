package v11

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/onebot-go/adapter/internal/wire"
)

// Escape encodes the characters that carry structure in CQ text.
// Comma escaping is needed inside segment parameter values but not in
// plain text.
func Escape(s string, escapeComma bool) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	if escapeComma {
		s = strings.ReplaceAll(s, ",", "&#44;")
	}
	return s
}

// Unescape reverses Escape. The ampersand entity goes last so that
// literal "&amp;#91;" survives a round trip.
func Unescape(s string) string {
	s = strings.ReplaceAll(s, "&#44;", ",")
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&#93;", "]")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// Segment is a single piece of a v11 message: plain text or a CQ code.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// IsText reports whether the segment is plain text.
func (s Segment) IsText() bool { return s.Type == "text" }

// String renders the segment in CQ string form. Text renders escaped
// inline; everything else renders as a [CQ:...] code.
func (s Segment) String() string {
	if s.IsText() {
		text, _ := s.Data["text"].(string)
		return Escape(text, false)
	}
	var b strings.Builder
	b.WriteString("[CQ:")
	b.WriteString(s.Type)
	for _, k := range sortedKeys(s.Data) {
		v := s.Data[k]
		if v == nil {
			continue
		}
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Escape(fmt.Sprint(v), true))
	}
	b.WriteByte(']')
	return b.String()
}

// ToRichText renders the segment in the bracketed log form:
// [type:k=v,...] with structural characters escaped and each parameter
// value truncated to limit runes. A limit of 0 disables truncation.
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
			b.WriteByte(',')
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
	// Insertion sort; segments carry a handful of keys at most.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// Message is an ordered list of segments.
type Message []Segment

// String renders the whole message in CQ string form.
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

// Reduce merges runs of adjacent text segments into single segments.
// The original segments are not modified.
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

// cqRe matches one CQ code: a type name followed by comma-separated
// key=value parameters, with an optional trailing comma.
var cqRe = regexp.MustCompile(`\[CQ:([a-zA-Z0-9-_.]+)((?:,[a-zA-Z0-9-_.]+=[^,\]]*)*),?\]`)

// ParseMessage parses a CQ-format string into segments. Malformed
// bracket runs that do not match a CQ code stay in the surrounding text.
func ParseMessage(s string) Message {
	var msg Message
	last := 0
	for _, loc := range cqRe.FindAllStringSubmatchIndex(s, -1) {
		if loc[0] > last {
			msg = append(msg, Text(Unescape(s[last:loc[0]])))
		}
		seg := Segment{Type: s[loc[2]:loc[3]], Data: map[string]any{}}
		params := s[loc[4]:loc[5]]
		for _, kv := range strings.Split(params, ",") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			seg.Data[k] = Unescape(v)
		}
		msg = append(msg, seg)
		last = loc[1]
	}
	if last < len(s) {
		msg = append(msg, Text(Unescape(s[last:])))
	}
	return msg
}

// UnmarshalJSON accepts both wire forms: a CQ-format string or a
// segment array.
func (m *Message) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = ParseMessage(s)
		return nil
	}
	var segs []Segment
	if err := json.Unmarshal(data, &segs); err != nil {
		return err
	}
	*m = segs
	return nil
}

// FromAny coerces an already-decoded message value (string, []any, or
// map for a single segment) into a Message.
func FromAny(v any) Message {
	switch val := v.(type) {
	case string:
		// Raw strings are literal text, never CQ. Only the wire format
		// (UnmarshalJSON) parses CQ codes.
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

// Segment constructors for the standard v11 types.

func Text(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

// At mentions a user. Pass "all" to mention everyone.
func At(userID string) Segment {
	return Segment{Type: "at", Data: map[string]any{"qq": userID}}
}

func Face(id int) Segment {
	return Segment{Type: "face", Data: map[string]any{"id": fmt.Sprint(id)}}
}

func Image(file string) Segment {
	return Segment{Type: "image", Data: map[string]any{"file": file}}
}

func Record(file string) Segment {
	return Segment{Type: "record", Data: map[string]any{"file": file}}
}

func Video(file string) Segment {
	return Segment{Type: "video", Data: map[string]any{"file": file}}
}

func Reply(messageID string) Segment {
	return Segment{Type: "reply", Data: map[string]any{"id": messageID}}
}

func Dice() Segment  { return Segment{Type: "dice", Data: map[string]any{}} }
func RPS() Segment   { return Segment{Type: "rps", Data: map[string]any{}} }
func Shake() Segment { return Segment{Type: "shake", Data: map[string]any{}} }

func Poke(typ, id string) Segment {
	return Segment{Type: "poke", Data: map[string]any{"type": typ, "id": id}}
}

func Anonymous(ignoreFailure bool) Segment {
	data := map[string]any{}
	if ignoreFailure {
		data["ignore"] = "true"
	}
	return Segment{Type: "anonymous", Data: data}
}

func Share(url, title string) Segment {
	return Segment{Type: "share", Data: map[string]any{"url": url, "title": title}}
}

// ContactUser recommends a friend.
func ContactUser(userID string) Segment {
	return Segment{Type: "contact", Data: map[string]any{"type": "qq", "id": userID}}
}

// ContactGroup recommends a group.
func ContactGroup(groupID string) Segment {
	return Segment{Type: "contact", Data: map[string]any{"type": "group", "id": groupID}}
}

func Location(lat, lon float64) Segment {
	return Segment{Type: "location", Data: map[string]any{
		"lat": fmt.Sprint(lat),
		"lon": fmt.Sprint(lon),
	}}
}

// Music shares a track from a built-in provider ("qq", "163", "xm").
func Music(provider, id string) Segment {
	return Segment{Type: "music", Data: map[string]any{"type": provider, "id": id}}
}

// MusicCustom shares an arbitrary track.
func MusicCustom(url, audio, title string) Segment {
	return Segment{Type: "music", Data: map[string]any{
		"type": "custom", "url": url, "audio": audio, "title": title,
	}}
}

func XML(data string) Segment {
	return Segment{Type: "xml", Data: map[string]any{"data": data}}
}

func JSONSeg(data string) Segment {
	return Segment{Type: "json", Data: map[string]any{"data": data}}
}

// Forward references an existing forwarded-messages bundle.
func Forward(id string) Segment {
	return Segment{Type: "forward", Data: map[string]any{"id": id}}
}

// Node references an existing message for a forward bundle.
func Node(messageID string) Segment {
	return Segment{Type: "node", Data: map[string]any{"id": messageID}}
}

// NodeCustom builds a forward node with inline content.
func NodeCustom(userID, nickname string, content Message) Segment {
	return Segment{Type: "node", Data: map[string]any{
		"user_id": userID, "nickname": nickname, "content": content,
	}}
}
