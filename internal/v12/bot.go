package v12

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// SendHandler composes and issues the outgoing message for Bot.Send.
type SendHandler func(ctx context.Context, bot *Bot, event Event, message Message, params map[string]any) (any, error)

// Bot is a connected v12 account: a (platform, user_id) identity under a
// named implementation.
type Bot struct {
	adapter     *Adapter
	self        BotSelf
	impl        string
	logger      *slog.Logger
	sendHandler SendHandler
}

func newBot(a *Adapter, impl string, self BotSelf) *Bot {
	return &Bot{
		adapter:     a,
		self:        self,
		impl:        impl,
		logger:      a.logger.With("impl", impl, "platform", self.Platform, "user_id", self.UserID),
		sendHandler: defaultSendHandler,
	}
}

// SelfID returns the bot's account id. Uniqueness across platforms is
// enforced by the host registry.
func (b *Bot) SelfID() string { return b.self.UserID }

// Self returns the full platform identity.
func (b *Bot) Self() BotSelf { return b.self }

// Impl returns the implementation name from the connect handshake.
func (b *Bot) Impl() string { return b.impl }

// SetSendHandler replaces the send composition logic.
func (b *Bot) SetSendHandler(h SendHandler) {
	if h != nil {
		b.sendHandler = h
	}
}

// CallAPI invokes a named action. The adapter injects the bot's self
// record into the action body.
func (b *Bot) CallAPI(ctx context.Context, action string, params map[string]any) (any, error) {
	return b.adapter.callAPI(ctx, b, action, params)
}

// SendMessage sends a message with explicit routing and returns the
// implementation's result record (message_id, time).
func (b *Bot) SendMessage(ctx context.Context, params map[string]any) (map[string]any, error) {
	data, err := b.CallAPI(ctx, "send_message", params)
	if err != nil {
		return nil, err
	}
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("send_message: unexpected result %T", data)
	}
	return m, nil
}

// DeleteMessage recalls a sent message.
func (b *Bot) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := b.CallAPI(ctx, "delete_message", map[string]any{"message_id": messageID})
	return err
}

// GetSelfInfo fetches the bot's own account info.
func (b *Bot) GetSelfInfo(ctx context.Context) (map[string]any, error) {
	data, err := b.CallAPI(ctx, "get_self_info", nil)
	if err != nil {
		return nil, err
	}
	m, _ := data.(map[string]any)
	return m, nil
}

// GetStatus fetches the implementation status record.
func (b *Bot) GetStatus(ctx context.Context) (map[string]any, error) {
	data, err := b.CallAPI(ctx, "get_status", nil)
	if err != nil {
		return nil, err
	}
	m, _ := data.(map[string]any)
	return m, nil
}

// Send replies to an incoming event, deriving detail_type and target ids
// from it.
func (b *Bot) Send(ctx context.Context, event Event, msg any, opts ...SendOption) (any, error) {
	var so sendOptions
	for _, o := range opts {
		o(&so)
	}
	message := FromAny(msg)
	params := map[string]any{}
	for k, v := range so.params {
		params[k] = v
	}

	fields := eventFields(event)
	for _, key := range []string{"user_id", "group_id", "guild_id", "channel_id"} {
		if v, ok := fields[key]; ok {
			if _, set := params[key]; !set {
				params[key] = v
			}
		}
	}

	if _, ok := params["detail_type"]; !ok {
		switch {
		case so.detailType != "":
			params["detail_type"] = so.detailType
		case params["channel_id"] != nil:
			params["detail_type"] = "channel"
		case params["group_id"] != nil:
			params["detail_type"] = "group"
		case params["user_id"] != nil:
			params["detail_type"] = "private"
		default:
			return nil, fmt.Errorf("cannot guess detail type for reply")
		}
	}

	userID, hasUser := params["user_id"]
	if so.atSender && hasUser && params["detail_type"] != "private" {
		message = append(Message{Mention(fmt.Sprint(userID)), Text(" ")}, message...)
	}
	params["message"] = message

	return b.sendHandler(ctx, b, event, message, params)
}

func defaultSendHandler(ctx context.Context, bot *Bot, _ Event, _ Message, params map[string]any) (any, error) {
	return bot.CallAPI(ctx, "send_message", params)
}

// SendOption tweaks Bot.Send behavior.
type SendOption func(*sendOptions)

type sendOptions struct {
	atSender   bool
	detailType string
	params     map[string]any
}

// WithAtSender prefixes a mention segment targeting the event's sender.
// Ignored for private messages.
func WithAtSender() SendOption {
	return func(o *sendOptions) { o.atSender = true }
}

// WithDetailType forces the detail_type instead of deriving it.
func WithDetailType(t string) SendOption {
	return func(o *sendOptions) { o.detailType = t }
}

// WithParam sets an extra action parameter.
func WithParam(key string, value any) SendOption {
	return func(o *sendOptions) {
		if o.params == nil {
			o.params = map[string]any{}
		}
		o.params[key] = value
	}
}

func eventFields(ev Event) map[string]any {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// receivePipeline annotates an inbound message event before dispatch:
// merges adjacent text, lifts the reply segment, and detects whether the
// message addresses the bot via mentions or nicknames.
func (b *Bot) receivePipeline(ev MessageEvent, nicknameRe *regexp.Regexp) {
	base := ev.MessageBase()
	base.Message = base.Message.Reduce()

	b.checkReply(base)
	b.checkMentionMe(base)
	b.checkNickname(base, nicknameRe)

	if len(base.Message) == 0 {
		base.Message = Message{Text("")}
	}
}

// checkReply lifts a leading reply segment into event.Reply. The v12
// reply segment carries the original sender inline, so no fetch is
// needed.
func (b *Bot) checkReply(base *MessageEventBase) {
	if len(base.Message) == 0 || base.Message[0].Type != "reply" {
		return
	}
	seg := base.Message[0]
	base.Reply = &seg
	replyUser := fmt.Sprint(seg.Data["user_id"])
	if replyUser == b.self.UserID {
		base.ToMe = true
	}
	base.Message = base.Message[1:]
	if len(base.Message) > 0 && base.Message[0].Type == "mention" &&
		fmt.Sprint(base.Message[0].Data["user_id"]) == replyUser {
		base.Message = base.Message[1:]
	}
	base.Message = lstripLeadingText(base.Message)
	if len(base.Message) == 0 {
		base.Message = Message{Text("")}
	}
}

// checkMentionMe detects a mention of the bot at either end of a
// non-private message.
func (b *Bot) checkMentionMe(base *MessageEventBase) {
	if base.DetailType == "private" {
		base.ToMe = true
		return
	}
	if len(base.Message) == 0 {
		return
	}

	isMentionMe := func(s Segment) bool {
		return s.Type == "mention" && fmt.Sprint(s.Data["user_id"]) == b.self.UserID
	}

	if isMentionMe(base.Message[0]) {
		base.ToMe = true
		base.Message = base.Message[1:]
		base.Message = lstripLeadingText(base.Message)
		if len(base.Message) > 0 && isMentionMe(base.Message[0]) {
			base.Message = base.Message[1:]
			base.Message = lstripLeadingText(base.Message)
		}
		return
	}

	i := len(base.Message) - 1
	if i >= 1 && base.Message[i].IsText() {
		if text, _ := base.Message[i].Data["text"].(string); strings.TrimSpace(text) == "" {
			i--
		}
	}
	if isMentionMe(base.Message[i]) {
		base.ToMe = true
		base.Message = base.Message[:i]
	}
}

func (b *Bot) checkNickname(base *MessageEventBase, nicknameRe *regexp.Regexp) {
	if nicknameRe == nil || len(base.Message) == 0 || !base.Message[0].IsText() {
		return
	}
	text, _ := base.Message[0].Data["text"].(string)
	m := nicknameRe.FindStringIndex(text)
	if m == nil {
		return
	}
	b.logger.Debug("nickname matched", "nickname", text[:m[1]])
	base.ToMe = true
	base.Message[0] = Text(text[m[1]:])
}

func lstripLeadingText(msg Message) Message {
	if len(msg) == 0 || !msg[0].IsText() {
		return msg
	}
	text, _ := msg[0].Data["text"].(string)
	text = strings.TrimLeft(text, " \t\r\n")
	if text == "" {
		return msg[1:]
	}
	return append(Message{Text(text)}, msg[1:]...)
}

// CompileNicknameRe builds the to-me nickname matcher, or nil when no
// nicknames are configured.
func CompileNicknameRe(nicknames []string) *regexp.Regexp {
	if len(nicknames) == 0 {
		return nil
	}
	quoted := make([]string, len(nicknames))
	for i, n := range nicknames {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return regexp.MustCompile(`(?i)^(` + strings.Join(quoted, "|") + `)([\s,，]*|$)`)
}
