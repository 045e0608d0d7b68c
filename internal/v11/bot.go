package v11

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/onebot-go/adapter/internal/wire"
)

// SendHandler composes and issues the outgoing message for Bot.Send.
// Replaceable per bot for implementations with non-standard send
// actions.
type SendHandler func(ctx context.Context, bot *Bot, event Event, message Message, params map[string]any) (any, error)

// Bot is a connected v11 account. It holds identity only; the owning
// adapter holds the socket and routes API calls.
type Bot struct {
	adapter     *Adapter
	selfID      string
	logger      *slog.Logger
	sendHandler SendHandler
}

func newBot(a *Adapter, selfID string) *Bot {
	return &Bot{
		adapter:     a,
		selfID:      selfID,
		logger:      a.logger.With("self_id", selfID),
		sendHandler: defaultSendHandler,
	}
}

// SelfID returns the bot's account id as known by the implementation.
func (b *Bot) SelfID() string { return b.selfID }

// SetSendHandler replaces the send composition logic. Call before the
// bot handles traffic.
func (b *Bot) SetSendHandler(h SendHandler) {
	if h != nil {
		b.sendHandler = h
	}
}

// CallAPI invokes a named action on the implementation, over the bot's
// WebSocket if one is live, else over the configured HTTP API root.
func (b *Bot) CallAPI(ctx context.Context, action string, params map[string]any) (any, error) {
	return b.adapter.callAPI(ctx, b, action, params)
}

// Typed wrappers for the common actions.

// SendMsg sends a message routed by the params (message_type plus
// user_id/group_id) and returns the new message id.
func (b *Bot) SendMsg(ctx context.Context, params map[string]any) (int64, error) {
	data, err := b.CallAPI(ctx, "send_msg", params)
	if err != nil {
		return 0, err
	}
	return messageIDOf(data)
}

func (b *Bot) SendPrivateMsg(ctx context.Context, userID int64, message Message) (int64, error) {
	return b.SendMsg(ctx, map[string]any{
		"message_type": "private", "user_id": userID, "message": message,
	})
}

func (b *Bot) SendGroupMsg(ctx context.Context, groupID int64, message Message) (int64, error) {
	return b.SendMsg(ctx, map[string]any{
		"message_type": "group", "group_id": groupID, "message": message,
	})
}

// DeleteMsg recalls a previously sent message.
func (b *Bot) DeleteMsg(ctx context.Context, messageID int64) error {
	_, err := b.CallAPI(ctx, "delete_msg", map[string]any{"message_id": messageID})
	return err
}

// GetMsg fetches a message by id, as used to resolve reply references.
func (b *Bot) GetMsg(ctx context.Context, messageID any) (*ReplyInfo, error) {
	data, err := b.CallAPI(ctx, "get_msg", map[string]any{"message_id": messageID})
	if err != nil {
		return nil, err
	}
	payload, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("get_msg: unexpected result %T", data)
	}
	var reply ReplyInfo
	if err := wire.Remarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("get_msg: %w", err)
	}
	return &reply, nil
}

// GetLoginInfo returns the bot's own account info.
func (b *Bot) GetLoginInfo(ctx context.Context) (map[string]any, error) {
	data, err := b.CallAPI(ctx, "get_login_info", nil)
	if err != nil {
		return nil, err
	}
	m, _ := data.(map[string]any)
	return m, nil
}

// SetFriendAddRequest answers a friend request event.
func (b *Bot) SetFriendAddRequest(ctx context.Context, flag string, approve bool) error {
	_, err := b.CallAPI(ctx, "set_friend_add_request", map[string]any{
		"flag": flag, "approve": approve,
	})
	return err
}

// SetGroupAddRequest answers a group join/invite request event.
func (b *Bot) SetGroupAddRequest(ctx context.Context, flag, subType string, approve bool, reason string) error {
	_, err := b.CallAPI(ctx, "set_group_add_request", map[string]any{
		"flag": flag, "sub_type": subType, "approve": approve, "reason": reason,
	})
	return err
}

func messageIDOf(data any) (int64, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("unexpected result %T", data)
	}
	switch id := m["message_id"].(type) {
	case float64:
		return int64(id), nil
	case int64:
		return id, nil
	case json.Number:
		return id.Int64()
	}
	return 0, fmt.Errorf("result has no message_id: %v", m)
}

// Send replies to an incoming event. Routing (private vs group, target
// ids) is derived from the event; msg may be a string, Segment, Message
// or segment list.
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
	userID, hasUser := fields["user_id"]
	groupID, hasGroup := fields["group_id"]
	_, hasMessageID := fields["message_id"]

	if hasUser {
		if _, ok := params["user_id"]; !ok {
			params["user_id"] = userID
		}
	}
	if hasGroup {
		if _, ok := params["group_id"]; !ok {
			params["group_id"] = groupID
		}
	}
	if _, ok := params["message_type"]; !ok {
		switch {
		case so.messageType != "":
			params["message_type"] = so.messageType
		case hasGroup:
			params["message_type"] = "group"
		case hasUser:
			params["message_type"] = "private"
		default:
			return nil, fmt.Errorf("cannot guess message type for reply")
		}
	}

	atSender := so.atSender && hasUser && params["message_type"] != "private"
	replyMessage := so.replyMessage && hasMessageID

	full := Message{}
	if replyMessage {
		full = append(full, Reply(fmt.Sprint(fields["message_id"])))
	}
	if atSender {
		full = append(full, At(fmt.Sprint(userID)), Text(" "))
	}
	full = append(full, message...)
	params["message"] = full

	return b.sendHandler(ctx, b, event, full, params)
}

func defaultSendHandler(ctx context.Context, bot *Bot, _ Event, _ Message, params map[string]any) (any, error) {
	return bot.CallAPI(ctx, "send_msg", params)
}

// SendOption tweaks Bot.Send behavior.
type SendOption func(*sendOptions)

type sendOptions struct {
	atSender     bool
	replyMessage bool
	messageType  string
	params       map[string]any
}

// WithAtSender prefixes an at segment targeting the event's sender.
// Ignored for private messages.
func WithAtSender() SendOption {
	return func(o *sendOptions) { o.atSender = true }
}

// WithReply prefixes a reply segment referencing the incoming message.
func WithReply() SendOption {
	return func(o *sendOptions) { o.replyMessage = true }
}

// WithMessageType forces the message_type instead of deriving it.
func WithMessageType(t string) SendOption {
	return func(o *sendOptions) { o.messageType = t }
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

// eventFields flattens an event's wire fields for routing lookups.
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
// merges adjacent text, resolves reply references, and detects whether
// the message addresses the bot.
func (b *Bot) receivePipeline(ctx context.Context, ev MessageEvent, nicknameRe *regexp.Regexp) {
	base := ev.MessageBase()
	base.Message = base.Message.Reduce()

	b.checkReply(ctx, base)
	b.checkAtMe(base)
	b.checkNickname(base, nicknameRe)

	if len(base.Message) == 0 {
		base.Message = Message{Text("")}
	}
}

// checkReply resolves a leading reply segment into event.Reply and
// strips the reply artifacts from the message.
func (b *Bot) checkReply(ctx context.Context, base *MessageEventBase) {
	if len(base.Message) == 0 || base.Message[0].Type != "reply" {
		return
	}
	reply, err := b.GetMsg(ctx, base.Message[0].Data["id"])
	if err != nil {
		b.logger.Warn("failed to resolve reply", "error", err)
		return
	}
	base.Reply = reply
	if fmt.Sprint(reply.Sender.UserID) == b.selfID {
		base.ToMe = true
	}
	base.Message = base.Message[1:]
	if len(base.Message) > 0 && base.Message[0].Type == "at" &&
		fmt.Sprint(base.Message[0].Data["qq"]) == fmt.Sprint(reply.Sender.UserID) {
		base.Message = base.Message[1:]
	}
	base.Message = lstripLeadingText(base.Message)
	if len(base.Message) == 0 {
		base.Message = Message{Text("")}
	}
}

// checkAtMe detects an at-self segment at either end of a non-private
// message, sets ToMe and strips it.
func (b *Bot) checkAtMe(base *MessageEventBase) {
	if base.MessageType == "private" {
		base.ToMe = true
		return
	}
	if len(base.Message) == 0 {
		return
	}

	isAtMe := func(s Segment) bool {
		return s.Type == "at" && fmt.Sprint(s.Data["qq"]) == b.selfID
	}

	if isAtMe(base.Message[0]) {
		base.ToMe = true
		base.Message = base.Message[1:]
		base.Message = lstripLeadingText(base.Message)
		// Some implementations double the mention.
		if len(base.Message) > 0 && isAtMe(base.Message[0]) {
			base.Message = base.Message[1:]
			base.Message = lstripLeadingText(base.Message)
		}
		return
	}

	// Trailing mention, allowing one whitespace-only text after it.
	i := len(base.Message) - 1
	if i >= 1 && base.Message[i].IsText() {
		if text, _ := base.Message[i].Data["text"].(string); strings.TrimSpace(text) == "" {
			i--
		}
	}
	if isAtMe(base.Message[i]) {
		base.ToMe = true
		base.Message = base.Message[:i]
	}
}

// checkNickname matches a configured nickname at the start of the text
// and strips it.
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

// lstripLeadingText trims leading whitespace off a leading text segment,
// dropping it entirely when nothing remains.
func lstripLeadingText(msg Message) Message {
	if len(msg) == 0 || !msg[0].IsText() {
		return msg
	}
	text, _ := msg[0].Data["text"].(string)
	text = strings.TrimLeft(text, " \t\r\n")
	if text == "" {
		return msg[1:]
	}
	out := append(Message{Text(text)}, msg[1:]...)
	return out
}

// CompileNicknameRe builds the to-me nickname matcher, or nil when no
// nicknames are configured. The pattern anchors at the start and
// consumes trailing separators, case-insensitively.
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
