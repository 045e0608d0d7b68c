package v11

import (
	"fmt"
	"log/slog"

	"github.com/onebot-go/adapter/internal/collator"
	"github.com/onebot-go/adapter/internal/oberr"
	"github.com/onebot-go/adapter/internal/wire"
)

// Event is any decoded v11 event. Name and Describe feed the host's
// event log; SessionID identifies the conversation for session-scoped
// handlers.
type Event interface {
	Name() string
	Describe() (string, error)
	SessionID() string
	Self() int64
}

// EventBase carries the fields every v11 event has.
type EventBase struct {
	Time     int64  `json:"time"`
	SelfID   int64  `json:"self_id"`
	PostType string `json:"post_type"`
}

func (e *EventBase) Self() int64 { return e.SelfID }

// Sender describes the account that sent a message.
type Sender struct {
	UserID   int64  `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Sex      string `json:"sex,omitempty"`
	Age      int32  `json:"age,omitempty"`
	Card     string `json:"card,omitempty"`
	Area     string `json:"area,omitempty"`
	Level    string `json:"level,omitempty"`
	Role     string `json:"role,omitempty"`
	Title    string `json:"title,omitempty"`
}

// ReplyInfo is the referenced message populated on a message event whose
// first segment was a reply.
type ReplyInfo struct {
	Time        int64   `json:"time"`
	MessageType string  `json:"message_type"`
	MessageID   int64   `json:"message_id"`
	RealID      int64   `json:"real_id"`
	Sender      Sender  `json:"sender"`
	Message     Message `json:"message"`
}

// AnonymousInfo identifies an anonymous group sender.
type AnonymousInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Flag string `json:"flag"`
}

// MessageEventBase is shared by private and group message events.
//
// ToMe, Reply and OriginalMessage are not wire fields: the receive
// pipeline fills them in after decoding and before dispatch, and they
// must not be mutated afterwards.
type MessageEventBase struct {
	EventBase
	MessageType string  `json:"message_type"`
	SubType     string  `json:"sub_type"`
	UserID      int64   `json:"user_id"`
	MessageID   int64   `json:"message_id"`
	Message     Message `json:"message"`
	RawMessage  string  `json:"raw_message"`
	Font        int64   `json:"font"`
	Sender      Sender  `json:"sender"`

	OriginalMessage Message    `json:"-"`
	ToMe            bool       `json:"-"`
	Reply           *ReplyInfo `json:"-"`
}

// MessageBase exposes the mutable pipeline fields to the receive
// pipeline without knowing the concrete event type.
func (e *MessageEventBase) MessageBase() *MessageEventBase { return e }

func (e *MessageEventBase) Name() string {
	name := "message." + e.MessageType
	if e.SubType != "" {
		name += "." + e.SubType
	}
	return name
}

func (e *MessageEventBase) SessionID() string {
	return fmt.Sprint(e.UserID)
}

func (e *MessageEventBase) Describe() (string, error) {
	return fmt.Sprintf("message %d from %d: %s",
		e.MessageID, e.UserID, e.describedMessage().ToRichText(70)), nil
}

// describedMessage prefers the pre-pipeline snapshot so log lines show
// what the peer actually sent.
func (e *MessageEventBase) describedMessage() Message {
	if e.OriginalMessage != nil {
		return e.OriginalMessage
	}
	return e.Message
}

// MessageEvent is implemented by both v11 message event types.
type MessageEvent interface {
	Event
	MessageBase() *MessageEventBase
}

// PrivateMessageEvent is a direct message. ToMe is always set by the
// receive pipeline.
type PrivateMessageEvent struct {
	MessageEventBase
}

// GroupMessageEvent is a message in a group.
type GroupMessageEvent struct {
	MessageEventBase
	GroupID   int64          `json:"group_id"`
	Anonymous *AnonymousInfo `json:"anonymous,omitempty"`
}

func (e *GroupMessageEvent) SessionID() string {
	return fmt.Sprintf("group_%d_%d", e.GroupID, e.UserID)
}

func (e *GroupMessageEvent) Describe() (string, error) {
	return fmt.Sprintf("message %d from %d@group:%d: %s",
		e.MessageID, e.UserID, e.GroupID, e.describedMessage().ToRichText(70)), nil
}

// NoticeEventBase is shared by all notice events.
type NoticeEventBase struct {
	EventBase
	NoticeType string `json:"notice_type"`
}

func (e *NoticeEventBase) Name() string      { return "notice." + e.NoticeType }
func (e *NoticeEventBase) SessionID() string { return "" }
func (e *NoticeEventBase) Describe() (string, error) {
	return "notice " + e.NoticeType, nil
}

// FileInfo describes an uploaded group file.
type FileInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	BusID int64  `json:"busid"`
}

type GroupUploadNoticeEvent struct {
	NoticeEventBase
	GroupID int64    `json:"group_id"`
	UserID  int64    `json:"user_id"`
	File    FileInfo `json:"file"`
}

type GroupAdminNoticeEvent struct {
	NoticeEventBase
	SubType string `json:"sub_type"`
	GroupID int64  `json:"group_id"`
	UserID  int64  `json:"user_id"`
}

func (e *GroupAdminNoticeEvent) Name() string {
	return "notice." + e.NoticeType + "." + e.SubType
}

type GroupDecreaseNoticeEvent struct {
	NoticeEventBase
	SubType    string `json:"sub_type"`
	GroupID    int64  `json:"group_id"`
	OperatorID int64  `json:"operator_id"`
	UserID     int64  `json:"user_id"`
}

func (e *GroupDecreaseNoticeEvent) Name() string {
	return "notice." + e.NoticeType + "." + e.SubType
}

type GroupIncreaseNoticeEvent struct {
	NoticeEventBase
	SubType    string `json:"sub_type"`
	GroupID    int64  `json:"group_id"`
	OperatorID int64  `json:"operator_id"`
	UserID     int64  `json:"user_id"`
}

func (e *GroupIncreaseNoticeEvent) Name() string {
	return "notice." + e.NoticeType + "." + e.SubType
}

type GroupBanNoticeEvent struct {
	NoticeEventBase
	SubType    string `json:"sub_type"`
	GroupID    int64  `json:"group_id"`
	OperatorID int64  `json:"operator_id"`
	UserID     int64  `json:"user_id"`
	Duration   int64  `json:"duration"`
}

func (e *GroupBanNoticeEvent) Name() string {
	return "notice." + e.NoticeType + "." + e.SubType
}

type FriendAddNoticeEvent struct {
	NoticeEventBase
	UserID int64 `json:"user_id"`
}

type GroupRecallNoticeEvent struct {
	NoticeEventBase
	GroupID    int64 `json:"group_id"`
	UserID     int64 `json:"user_id"`
	OperatorID int64 `json:"operator_id"`
	MessageID  int64 `json:"message_id"`
}

type FriendRecallNoticeEvent struct {
	NoticeEventBase
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
}

// NotifyEvent covers the "notify" notices (poke, lucky_king, honor).
type NotifyEvent struct {
	NoticeEventBase
	SubType string `json:"sub_type"`
	GroupID int64  `json:"group_id"`
	UserID  int64  `json:"user_id"`
}

func (e *NotifyEvent) Name() string {
	return "notice." + e.NoticeType + "." + e.SubType
}

type PokeNotifyEvent struct {
	NotifyEvent
	TargetID int64 `json:"target_id"`
}

type LuckyKingNotifyEvent struct {
	NotifyEvent
	TargetID int64 `json:"target_id"`
}

type HonorNotifyEvent struct {
	NotifyEvent
	HonorType string `json:"honor_type"`
}

// RequestEventBase is shared by friend and group requests.
type RequestEventBase struct {
	EventBase
	RequestType string `json:"request_type"`
}

func (e *RequestEventBase) Name() string      { return "request." + e.RequestType }
func (e *RequestEventBase) SessionID() string { return "" }
func (e *RequestEventBase) Describe() (string, error) {
	return "request " + e.RequestType, nil
}

type FriendRequestEvent struct {
	RequestEventBase
	UserID  int64  `json:"user_id"`
	Comment string `json:"comment"`
	Flag    string `json:"flag"`
}

type GroupRequestEvent struct {
	RequestEventBase
	SubType string `json:"sub_type"`
	GroupID int64  `json:"group_id"`
	UserID  int64  `json:"user_id"`
	Comment string `json:"comment"`
	Flag    string `json:"flag"`
}

func (e *GroupRequestEvent) Name() string {
	return "request." + e.RequestType + "." + e.SubType
}

// MetaEventBase is shared by the framework-level events.
type MetaEventBase struct {
	EventBase
	MetaEventType string `json:"meta_event_type"`
}

func (e *MetaEventBase) Name() string      { return "meta_event." + e.MetaEventType }
func (e *MetaEventBase) SessionID() string { return "" }
func (e *MetaEventBase) Describe() (string, error) {
	return "meta event " + e.MetaEventType, nil
}

// LifecycleMetaEvent signals enable/disable/connect. The connect
// sub-type is the first frame on a reverse WebSocket and carries the
// self_id the adapter binds the connection to.
type LifecycleMetaEvent struct {
	MetaEventBase
	SubType string `json:"sub_type"`
}

func (e *LifecycleMetaEvent) Name() string {
	return "meta_event." + e.MetaEventType + "." + e.SubType
}

// HeartbeatMetaEvent arrives periodically; logging is suppressed.
type HeartbeatMetaEvent struct {
	MetaEventBase
	Status   map[string]any `json:"status"`
	Interval int64          `json:"interval"`
}

func (e *HeartbeatMetaEvent) Describe() (string, error) {
	return "", oberr.ErrNoLog
}

// EventFactory builds an empty event struct for Remarshal to fill.
type EventFactory func() Event

// eventKeys is the v11 discriminator tuple.
var eventKeys = []collator.Key{
	collator.Field("post_type"),
	collator.Group("message_type", "notice_type", "request_type", "meta_event_type"),
	collator.Field("sub_type"),
}

// NewEventCollator builds the registry pre-seeded with the standard v11
// event models. Custom models can be registered on top; later
// registrations win.
func NewEventCollator(logger *slog.Logger) *collator.Collator[EventFactory] {
	c := collator.New[EventFactory]("onebot-v11", eventKeys, logger)
	reg := func(lits []string, f EventFactory) {
		if err := c.Register(lits, f); err != nil {
			panic(fmt.Sprintf("v11 event registry: %v", err))
		}
	}

	reg([]string{""}, func() Event { return new(noneEvent) })

	reg([]string{"message", "private"}, func() Event { return new(PrivateMessageEvent) })
	reg([]string{"message", "group"}, func() Event { return new(GroupMessageEvent) })

	reg([]string{"notice"}, func() Event { return new(noticeFallback) })
	reg([]string{"notice", "group_upload"}, func() Event { return new(GroupUploadNoticeEvent) })
	reg([]string{"notice", "group_admin"}, func() Event { return new(GroupAdminNoticeEvent) })
	reg([]string{"notice", "group_decrease"}, func() Event { return new(GroupDecreaseNoticeEvent) })
	reg([]string{"notice", "group_increase"}, func() Event { return new(GroupIncreaseNoticeEvent) })
	reg([]string{"notice", "group_ban"}, func() Event { return new(GroupBanNoticeEvent) })
	reg([]string{"notice", "friend_add"}, func() Event { return new(FriendAddNoticeEvent) })
	reg([]string{"notice", "group_recall"}, func() Event { return new(GroupRecallNoticeEvent) })
	reg([]string{"notice", "friend_recall"}, func() Event { return new(FriendRecallNoticeEvent) })
	reg([]string{"notice", "notify"}, func() Event { return new(NotifyEvent) })
	reg([]string{"notice", "notify", "poke"}, func() Event { return new(PokeNotifyEvent) })
	reg([]string{"notice", "notify", "lucky_king"}, func() Event { return new(LuckyKingNotifyEvent) })
	reg([]string{"notice", "notify", "honor"}, func() Event { return new(HonorNotifyEvent) })

	reg([]string{"request", "friend"}, func() Event { return new(FriendRequestEvent) })
	reg([]string{"request", "group"}, func() Event { return new(GroupRequestEvent) })

	reg([]string{"meta_event", "lifecycle"}, func() Event { return new(LifecycleMetaEvent) })
	reg([]string{"meta_event", "heartbeat"}, func() Event { return new(HeartbeatMetaEvent) })

	return c
}

// noneEvent is the root fallback for payloads whose post_type the
// registry does not know. It keeps the raw payload for logging.
type noneEvent struct {
	EventBase
	raw map[string]any
}

func (e *noneEvent) Name() string      { return "event." + e.PostType }
func (e *noneEvent) SessionID() string { return "" }
func (e *noneEvent) Describe() (string, error) {
	return fmt.Sprintf("unrecognized event (post_type=%s)", e.PostType), nil
}

// noticeFallback catches notice types with no dedicated model.
type noticeFallback struct {
	NoticeEventBase
}

// DecodeEvent classifies a payload and fills the most specific model
// that validates; less specific candidates are fallbacks for payloads
// that fail strict decoding.
func DecodeEvent(c EventRegistry, payload map[string]any) (Event, error) {
	candidates, err := c.Classify(payload)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, f := range candidates {
		ev := f()
		if err := wire.Remarshal(payload, ev); err != nil {
			lastErr = err
			continue
		}
		if ne, ok := ev.(*noneEvent); ok {
			ne.raw = payload
		}
		if me, ok := ev.(MessageEvent); ok {
			base := me.MessageBase()
			base.OriginalMessage = append(Message(nil), base.Message...)
		}
		return ev, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("no event model validates payload: %w", lastErr)
	}
	return nil, fmt.Errorf("no event model for payload")
}
