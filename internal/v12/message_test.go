package v12

import (
	"strings"
	"testing"
)

func TestReduce(t *testing.T) {
	msg := Message{Text("a"), Text("b"), Mention("1"), Text("c")}
	got := msg.Reduce()
	if len(got) != 3 {
		t.Fatalf("len = %d: %v", len(got), got)
	}
	if got[0].Data["text"] != "ab" || got[2].Data["text"] != "c" {
		t.Errorf("reduced = %v", got)
	}
}

func TestExtractPlainText(t *testing.T) {
	msg := Message{Text("a"), Image("f1"), Text("b")}
	if got := msg.ExtractPlainText(); got != "ab" {
		t.Errorf("got %q", got)
	}
}

func TestSegmentString(t *testing.T) {
	if got := Text("hi").String(); got != "hi" {
		t.Errorf("text = %q", got)
	}
	if got := Mention("42").String(); got != "[mention:user_id=42]" {
		t.Errorf("mention = %q", got)
	}
	if got := MentionAll().String(); got != "[mention_all]" {
		t.Errorf("mention_all = %q", got)
	}
}

func TestFromAny(t *testing.T) {
	msg := FromAny("plain")
	if len(msg) != 1 || msg[0].Data["text"] != "plain" {
		t.Errorf("from string = %v", msg)
	}
	msg = FromAny([]any{
		map[string]any{"type": "mention", "data": map[string]any{"user_id": "9"}},
	})
	if len(msg) != 1 || msg[0].Type != "mention" {
		t.Errorf("from list = %v", msg)
	}
}

func TestReplyConstructor(t *testing.T) {
	seg := Reply("m1", "u1")
	if seg.Data["message_id"] != "m1" || seg.Data["user_id"] != "u1" {
		t.Errorf("reply = %v", seg.Data)
	}
	seg = Reply("m1", "")
	if _, ok := seg.Data["user_id"]; ok {
		t.Error("empty user_id should be omitted")
	}
}

func TestToRichText(t *testing.T) {
	if got := Text("[test],test").ToRichText(70); got != "&#91;test&#93;,test" {
		t.Errorf("text = %q", got)
	}
	if got := Mention("123").ToRichText(70); got != "[mention:user_id=123]" {
		t.Errorf("mention = %q", got)
	}
}

func TestToRichTextTruncatesValues(t *testing.T) {
	long := strings.Repeat("x", 80)
	got := Image(long).ToRichText(10)
	want := "[image:file_id=" + strings.Repeat("x", 7) + "...]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
