package v11

import (
	"errors"
	"testing"

	"github.com/onebot-go/adapter/internal/oberr"
)

func TestDecodePrivateMessage(t *testing.T) {
	c := NewEventCollator(nil)
	ev, err := DecodeEvent(c, map[string]any{
		"time":         1700000000,
		"self_id":      1,
		"post_type":    "message",
		"message_type": "private",
		"sub_type":     "friend",
		"user_id":      10,
		"message_id":   42,
		"message":      []any{map[string]any{"type": "text", "data": map[string]any{"text": "hi"}}},
		"raw_message":  "hi",
		"sender":       map[string]any{"user_id": 10, "nickname": "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	pm, ok := ev.(*PrivateMessageEvent)
	if !ok {
		t.Fatalf("event type = %T", ev)
	}
	if pm.Name() != "message.private.friend" {
		t.Errorf("Name = %q", pm.Name())
	}
	if pm.UserID != 10 || pm.Sender.Nickname != "alice" {
		t.Errorf("event = %+v", pm)
	}
	if pm.Message.ExtractPlainText() != "hi" {
		t.Errorf("message = %v", pm.Message)
	}
	if pm.OriginalMessage.ExtractPlainText() != "hi" {
		t.Error("original message not snapshotted")
	}
}

func TestDecodeGroupMessageStringForm(t *testing.T) {
	c := NewEventCollator(nil)
	ev, err := DecodeEvent(c, map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"group_id":     77,
		"user_id":      10,
		"message":      "hey [CQ:at,qq=1]",
	})
	if err != nil {
		t.Fatal(err)
	}
	gm, ok := ev.(*GroupMessageEvent)
	if !ok {
		t.Fatalf("event type = %T", ev)
	}
	if gm.GroupID != 77 {
		t.Errorf("group_id = %d", gm.GroupID)
	}
	if len(gm.Message) != 2 || gm.Message[1].Type != "at" {
		t.Errorf("message = %v", gm.Message)
	}
	if gm.SessionID() != "group_77_10" {
		t.Errorf("SessionID = %q", gm.SessionID())
	}
}

func TestDecodeNotifyPoke(t *testing.T) {
	c := NewEventCollator(nil)
	ev, err := DecodeEvent(c, map[string]any{
		"post_type":   "notice",
		"notice_type": "notify",
		"sub_type":    "poke",
		"group_id":    1,
		"user_id":     2,
		"target_id":   3,
	})
	if err != nil {
		t.Fatal(err)
	}
	poke, ok := ev.(*PokeNotifyEvent)
	if !ok {
		t.Fatalf("event type = %T", ev)
	}
	if poke.TargetID != 3 || poke.Name() != "notice.notify.poke" {
		t.Errorf("event = %+v", poke)
	}
}

func TestDecodeUnknownNoticeFallsBack(t *testing.T) {
	c := NewEventCollator(nil)
	ev, err := DecodeEvent(c, map[string]any{
		"post_type":   "notice",
		"notice_type": "something_new",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(*noticeFallback); !ok {
		t.Fatalf("event type = %T", ev)
	}
	if ev.Name() != "notice.something_new" {
		t.Errorf("Name = %q", ev.Name())
	}
}

func TestDecodeUnknownPostTypeFallsBack(t *testing.T) {
	c := NewEventCollator(nil)
	ev, err := DecodeEvent(c, map[string]any{"post_type": "custom", "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(*noneEvent); !ok {
		t.Fatalf("event type = %T", ev)
	}
}

func TestHeartbeatSuppressesLogging(t *testing.T) {
	c := NewEventCollator(nil)
	ev, err := DecodeEvent(c, map[string]any{
		"post_type":       "meta_event",
		"meta_event_type": "heartbeat",
		"interval":        5000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ev.Describe(); !errors.Is(err, oberr.ErrNoLog) {
		t.Errorf("Describe error = %v, want ErrNoLog", err)
	}
}

func TestLifecycleConnectName(t *testing.T) {
	c := NewEventCollator(nil)
	ev, err := DecodeEvent(c, map[string]any{
		"post_type":       "meta_event",
		"meta_event_type": "lifecycle",
		"sub_type":        "connect",
		"self_id":         9,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name() != "meta_event.lifecycle.connect" || ev.Self() != 9 {
		t.Errorf("event = %v %v", ev.Name(), ev.Self())
	}
}

func TestRegisterOverride(t *testing.T) {
	c := NewEventCollator(nil)
	type customPrivate struct{ PrivateMessageEvent }
	if err := c.Register([]string{"message", "private"}, func() Event { return new(customPrivate) }); err != nil {
		t.Fatal(err)
	}
	ev, err := DecodeEvent(c, map[string]any{
		"post_type": "message", "message_type": "private", "user_id": 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(*customPrivate); !ok {
		t.Fatalf("override not used, got %T", ev)
	}
}

func TestDecodeEventThroughRegistry(t *testing.T) {
	// The adapter holds its collator behind the registry interface.
	var reg EventRegistry = NewEventCollator(nil)
	ev, err := DecodeEvent(reg, map[string]any{
		"time":            1700000000,
		"self_id":         1,
		"post_type":       "meta_event",
		"meta_event_type": "heartbeat",
		"interval":        5000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(*HeartbeatMetaEvent); !ok {
		t.Fatalf("event type = %T", ev)
	}
}
