package v12

import (
	"context"
	"testing"

	"github.com/onebot-go/adapter/internal/config"
	"github.com/onebot-go/adapter/internal/host"
)

func testBot(t *testing.T) *Bot {
	t.Helper()
	a := NewAdapter(&config.Config{}, host.NewRegistry(nil), nil)
	return newBot(a, "walle", BotSelf{Platform: "qq", UserID: "bot1"})
}

func groupEvent(msg Message) *GroupMessageEvent {
	ev := &GroupMessageEvent{}
	ev.Type = "message"
	ev.DetailType = "group"
	ev.Self = BotSelf{Platform: "qq", UserID: "bot1"}
	ev.MessageID = "m1"
	ev.GroupID = "g1"
	ev.UserID = "u1"
	ev.Message = msg
	return ev
}

func TestPipelineMentionMe(t *testing.T) {
	b := testBot(t)
	ev := groupEvent(Message{Mention("bot1"), Text("  ping")})
	b.receivePipeline(ev, nil)
	if !ev.ToMe {
		t.Error("leading mention of self should set ToMe")
	}
	if got := ev.Message.ExtractPlainText(); got != "ping" {
		t.Errorf("message = %q", got)
	}
}

func TestPipelineTrailingMention(t *testing.T) {
	b := testBot(t)
	ev := groupEvent(Message{Text("ping "), Mention("bot1")})
	b.receivePipeline(ev, nil)
	if !ev.ToMe {
		t.Error("trailing mention should set ToMe")
	}
	if len(ev.Message) != 1 || !ev.Message[0].IsText() {
		t.Errorf("message = %v", ev.Message)
	}
}

func TestPipelineReplySegment(t *testing.T) {
	b := testBot(t)
	ev := groupEvent(Message{Reply("m0", "bot1"), Text("yes")})
	b.receivePipeline(ev, nil)
	if ev.Reply == nil || ev.Reply.Data["message_id"] != "m0" {
		t.Fatalf("reply = %v", ev.Reply)
	}
	if !ev.ToMe {
		t.Error("reply to own message should set ToMe")
	}
	if got := ev.Message.ExtractPlainText(); got != "yes" {
		t.Errorf("message = %q", got)
	}
}

func TestPipelineReplyStripsMention(t *testing.T) {
	b := testBot(t)
	ev := groupEvent(Message{Reply("m0", "u9"), Mention("u9"), Text(" ok")})
	b.receivePipeline(ev, nil)
	if ev.ToMe {
		t.Error("reply to another user should not set ToMe")
	}
	if got := ev.Message.ExtractPlainText(); got != "ok" {
		t.Errorf("message = %q", got)
	}
}

func TestPipelinePrivateToMe(t *testing.T) {
	b := testBot(t)
	ev := &PrivateMessageEvent{}
	ev.Type = "message"
	ev.DetailType = "private"
	ev.UserID = "u1"
	ev.Message = Message{Text("hi")}
	b.receivePipeline(ev, nil)
	if !ev.ToMe {
		t.Error("private message should set ToMe")
	}
}

func TestSendDerivesDetailType(t *testing.T) {
	b := testBot(t)
	var captured map[string]any
	b.SetSendHandler(func(_ context.Context, _ *Bot, _ Event, _ Message, params map[string]any) (any, error) {
		captured = params
		return nil, nil
	})

	if _, err := b.Send(context.Background(), groupEvent(Message{Text("q")}), "a"); err != nil {
		t.Fatal(err)
	}
	if captured["detail_type"] != "group" || captured["group_id"] != "g1" {
		t.Errorf("params = %v", captured)
	}

	ev := &ChannelMessageEvent{}
	ev.Type = "message"
	ev.DetailType = "channel"
	ev.GuildID = "gu"
	ev.ChannelID = "ch"
	ev.UserID = "u1"
	if _, err := b.Send(context.Background(), ev, "a"); err != nil {
		t.Fatal(err)
	}
	if captured["detail_type"] != "channel" || captured["channel_id"] != "ch" || captured["guild_id"] != "gu" {
		t.Errorf("params = %v", captured)
	}
}

func TestSendAtSender(t *testing.T) {
	b := testBot(t)
	var captured map[string]any
	b.SetSendHandler(func(_ context.Context, _ *Bot, _ Event, _ Message, params map[string]any) (any, error) {
		captured = params
		return nil, nil
	})

	if _, err := b.Send(context.Background(), groupEvent(Message{Text("q")}), "a", WithAtSender()); err != nil {
		t.Fatal(err)
	}
	msg := captured["message"].(Message)
	if len(msg) != 3 || msg[0].Type != "mention" || msg[0].Data["user_id"] != "u1" {
		t.Fatalf("message = %v", msg)
	}
}

func TestSendWithoutRoutingFails(t *testing.T) {
	b := testBot(t)
	ev := &HeartbeatMetaEvent{}
	ev.Type = "meta"
	if _, err := b.Send(context.Background(), ev, "hi"); err == nil {
		t.Fatal("expected routing error")
	}
}
