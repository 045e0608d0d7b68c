package v11

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onebot-go/adapter/internal/config"
	"github.com/onebot-go/adapter/internal/host"
)

// apiStub serves a v11 HTTP API root answering every action with the
// given result body.
func apiStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testAdapter(t *testing.T, mutate func(*config.Config)) *Adapter {
	t.Helper()
	cfg := &config.Config{}
	if mutate != nil {
		mutate(cfg)
	}
	return NewAdapter(cfg, host.NewRegistry(nil), nil)
}

func privateEvent(text string) *PrivateMessageEvent {
	ev := &PrivateMessageEvent{}
	ev.PostType = "message"
	ev.MessageType = "private"
	ev.SelfID = 99
	ev.UserID = 10
	ev.MessageID = 7
	ev.Message = Message{Text(text)}
	return ev
}

func groupEvent(msg Message) *GroupMessageEvent {
	ev := &GroupMessageEvent{}
	ev.PostType = "message"
	ev.MessageType = "group"
	ev.SelfID = 99
	ev.UserID = 10
	ev.MessageID = 7
	ev.GroupID = 55
	ev.Message = msg
	return ev
}

func TestPipelinePrivateAlwaysToMe(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")
	ev := privateEvent("hello")
	b.receivePipeline(context.Background(), ev, nil)
	if !ev.ToMe {
		t.Error("private message should set ToMe")
	}
}

func TestPipelineLeadingAtMe(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")
	ev := groupEvent(Message{At("99"), Text("  do this")})
	b.receivePipeline(context.Background(), ev, nil)
	if !ev.ToMe {
		t.Error("leading at-self should set ToMe")
	}
	if got := ev.Message.ExtractPlainText(); got != "do this" {
		t.Errorf("message after strip = %q", got)
	}
}

func TestPipelineTrailingAtMe(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")
	ev := groupEvent(Message{Text("do this "), At("99"), Text("  ")})
	b.receivePipeline(context.Background(), ev, nil)
	if !ev.ToMe {
		t.Error("trailing at-self should set ToMe")
	}
	if got := ev.Message.ExtractPlainText(); got != "do this " {
		t.Errorf("message after strip = %q", got)
	}
}

func TestPipelineAtSomeoneElse(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")
	ev := groupEvent(Message{At("42"), Text(" hi")})
	b.receivePipeline(context.Background(), ev, nil)
	if ev.ToMe {
		t.Error("at-other should not set ToMe")
	}
	if len(ev.Message) != 2 {
		t.Errorf("message = %v", ev.Message)
	}
}

func TestPipelineAtMeOnly(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")
	ev := groupEvent(Message{At("99")})
	b.receivePipeline(context.Background(), ev, nil)
	if !ev.ToMe {
		t.Error("bare at-self should set ToMe")
	}
	// The message never ends up empty.
	if len(ev.Message) != 1 || !ev.Message[0].IsText() {
		t.Errorf("message = %v", ev.Message)
	}
}

func TestPipelineNickname(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")
	re := CompileNicknameRe([]string{"bot", "robot"})

	ev := groupEvent(Message{Text("Bot, ping")})
	b.receivePipeline(context.Background(), ev, re)
	if !ev.ToMe {
		t.Error("nickname prefix should set ToMe")
	}
	if got := ev.Message.ExtractPlainText(); got != "ping" {
		t.Errorf("stripped text = %q", got)
	}

	ev = groupEvent(Message{Text("botanical gardens")})
	// "bot" matches with an empty separator run, per the permissive
	// upstream grammar.
	b.receivePipeline(context.Background(), ev, re)
	if !ev.ToMe {
		t.Error("prefix match is permissive")
	}
}

func TestPipelineReply(t *testing.T) {
	srv := apiStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_msg" {
			t.Errorf("unexpected action path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "retcode": 0,
			"data": map[string]any{
				"time": 1, "message_type": "group", "message_id": 5, "real_id": 5,
				"sender":  map[string]any{"user_id": 42, "nickname": "bob"},
				"message": "earlier",
			},
		})
	})
	a := testAdapter(t, func(c *config.Config) {
		c.V11.APIRoots = map[string]string{"99": srv.URL}
	})
	b := newBot(a, "99")

	ev := groupEvent(Message{Reply("5"), At("42"), Text("  agreed")})
	b.receivePipeline(context.Background(), ev, nil)
	if ev.Reply == nil || ev.Reply.Sender.UserID != 42 {
		t.Fatalf("reply = %+v", ev.Reply)
	}
	if ev.ToMe {
		t.Error("reply to another user should not set ToMe")
	}
	if got := ev.Message.ExtractPlainText(); got != "agreed" {
		t.Errorf("message after strip = %q", got)
	}
}

func TestPipelineReplyToSelf(t *testing.T) {
	srv := apiStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "retcode": 0,
			"data": map[string]any{
				"time": 1, "message_type": "group", "message_id": 5, "real_id": 5,
				"sender":  map[string]any{"user_id": 99},
				"message": "mine",
			},
		})
	})
	a := testAdapter(t, func(c *config.Config) {
		c.V11.APIRoots = map[string]string{"99": srv.URL}
	})
	b := newBot(a, "99")

	ev := groupEvent(Message{Reply("5")})
	b.receivePipeline(context.Background(), ev, nil)
	if !ev.ToMe {
		t.Error("reply to self should set ToMe")
	}
	if len(ev.Message) != 1 || ev.Message[0].Data["text"] != "" {
		t.Errorf("message = %v", ev.Message)
	}
}

func TestSendDerivesRouting(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")

	var captured map[string]any
	b.SetSendHandler(func(_ context.Context, _ *Bot, _ Event, _ Message, params map[string]any) (any, error) {
		captured = params
		return map[string]any{"message_id": float64(1)}, nil
	})

	if _, err := b.Send(context.Background(), groupEvent(Message{Text("q")}), "answer"); err != nil {
		t.Fatal(err)
	}
	if captured["message_type"] != "group" {
		t.Errorf("message_type = %v", captured["message_type"])
	}
	if captured["group_id"] != float64(55) || captured["user_id"] != float64(10) {
		t.Errorf("routing = %v", captured)
	}
	msg := captured["message"].(Message)
	if msg.ExtractPlainText() != "answer" {
		t.Errorf("message = %v", msg)
	}
}

func TestSendAtSenderAndReply(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")

	var captured map[string]any
	b.SetSendHandler(func(_ context.Context, _ *Bot, _ Event, _ Message, params map[string]any) (any, error) {
		captured = params
		return nil, nil
	})

	if _, err := b.Send(context.Background(), groupEvent(Message{Text("q")}), "a",
		WithAtSender(), WithReply()); err != nil {
		t.Fatal(err)
	}
	msg := captured["message"].(Message)
	if len(msg) != 4 || msg[0].Type != "reply" || msg[1].Type != "at" {
		t.Fatalf("message = %v", msg)
	}
	if msg[1].Data["qq"] != "10" {
		t.Errorf("at target = %v", msg[1].Data)
	}

	// at_sender is suppressed for private chats.
	if _, err := b.Send(context.Background(), privateEvent("q"), "a", WithAtSender()); err != nil {
		t.Fatal(err)
	}
	msg = captured["message"].(Message)
	for _, s := range msg {
		if s.Type == "at" {
			t.Errorf("private reply should not at the sender: %v", msg)
		}
	}
}

func TestSendWithoutRoutingFails(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")
	ev := &HeartbeatMetaEvent{}
	ev.PostType = "meta_event"
	if _, err := b.Send(context.Background(), ev, "hi"); err == nil {
		t.Fatal("expected routing error")
	}
}

func TestSendRawStringNotCQParsed(t *testing.T) {
	a := testAdapter(t, nil)
	b := newBot(a, "99")

	var captured map[string]any
	b.SetSendHandler(func(_ context.Context, _ *Bot, _ Event, _ Message, params map[string]any) (any, error) {
		captured = params
		return nil, nil
	})

	if _, err := b.Send(context.Background(), groupEvent(Message{Text("q")}), "[CQ:at,qq=all]"); err != nil {
		t.Fatal(err)
	}
	msg := captured["message"].(Message)
	if len(msg) != 1 || !msg[0].IsText() {
		t.Fatalf("raw string must stay literal text: %v", msg)
	}
	if msg[0].Data["text"] != "[CQ:at,qq=all]" {
		t.Errorf("text = %v", msg[0].Data["text"])
	}
}
