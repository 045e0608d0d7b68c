package v12

import (
	"fmt"
	"log/slog"

	"github.com/onebot-go/adapter/internal/collator"
	"github.com/onebot-go/adapter/internal/oberr"
	"github.com/onebot-go/adapter/internal/wire"
)

// BotSelf identifies a v12 bot: the chat platform plus the account id on
// that platform.
type BotSelf struct {
	Platform string `json:"platform" msgpack:"platform"`
	UserID   string `json:"user_id" msgpack:"user_id"`
}

// Event is any decoded v12 event.
type Event interface {
	Name() string
	Describe() (string, error)
	SessionID() string
	EventID() string
	EventSelf() BotSelf
	EventType() string
}

// EventBase carries the fields every v12 event has. Self is absent on
// meta events.
type EventBase struct {
	ID         string         `json:"id"`
	Time       wire.Timestamp `json:"time"`
	Type       string         `json:"type"`
	DetailType string         `json:"detail_type"`
	SubType    string         `json:"sub_type"`
	Self       BotSelf        `json:"self"`
}

func (e *EventBase) EventID() string    { return e.ID }
func (e *EventBase) EventSelf() BotSelf { return e.Self }
func (e *EventBase) EventType() string  { return e.Type }
func (e *EventBase) SessionID() string  { return "" }

func (e *EventBase) Name() string {
	name := e.Type
	if e.DetailType != "" {
		name += "." + e.DetailType
	}
	if e.SubType != "" {
		name += "." + e.SubType
	}
	return name
}

func (e *EventBase) Describe() (string, error) {
	return "event " + e.Name(), nil
}

// MessageEventBase is shared by the message detail types. ToMe, Reply
// and OriginalMessage are filled by the receive pipeline, not the wire.
type MessageEventBase struct {
	EventBase
	MessageID  string  `json:"message_id"`
	Message    Message `json:"message"`
	AltMessage string  `json:"alt_message"`
	UserID     string  `json:"user_id"`

	OriginalMessage Message  `json:"-"`
	ToMe            bool     `json:"-"`
	Reply           *Segment `json:"-"`
}

func (e *MessageEventBase) MessageBase() *MessageEventBase { return e }

func (e *MessageEventBase) SessionID() string { return e.UserID }

func (e *MessageEventBase) Describe() (string, error) {
	return fmt.Sprintf("message %s from %s: %s",
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

// MessageEvent is implemented by all v12 message events.
type MessageEvent interface {
	Event
	MessageBase() *MessageEventBase
}

type PrivateMessageEvent struct {
	MessageEventBase
}

type GroupMessageEvent struct {
	MessageEventBase
	GroupID string `json:"group_id"`
}

func (e *GroupMessageEvent) SessionID() string {
	return "group_" + e.GroupID + "_" + e.UserID
}

func (e *GroupMessageEvent) Describe() (string, error) {
	return fmt.Sprintf("message %s from %s@group:%s: %s",
		e.MessageID, e.UserID, e.GroupID, e.describedMessage().ToRichText(70)), nil
}

type ChannelMessageEvent struct {
	MessageEventBase
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

func (e *ChannelMessageEvent) SessionID() string {
	return "channel_" + e.GuildID + "_" + e.ChannelID + "_" + e.UserID
}

// Notice events.

type NoticeEventBase struct {
	EventBase
}

type FriendIncreaseEvent struct {
	NoticeEventBase
	UserID string `json:"user_id"`
}

type FriendDecreaseEvent struct {
	NoticeEventBase
	UserID string `json:"user_id"`
}

type PrivateMessageDeleteEvent struct {
	NoticeEventBase
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type GroupMemberIncreaseEvent struct {
	NoticeEventBase
	GroupID    string `json:"group_id"`
	UserID     string `json:"user_id"`
	OperatorID string `json:"operator_id"`
}

type GroupMemberDecreaseEvent struct {
	NoticeEventBase
	GroupID    string `json:"group_id"`
	UserID     string `json:"user_id"`
	OperatorID string `json:"operator_id"`
}

type GroupMessageDeleteEvent struct {
	NoticeEventBase
	GroupID    string `json:"group_id"`
	MessageID  string `json:"message_id"`
	UserID     string `json:"user_id"`
	OperatorID string `json:"operator_id"`
}

// RequestEvent is the generic request fallback; v12 defines no standard
// request detail types.
type RequestEvent struct {
	EventBase
}

// Meta events.

type MetaEventBase struct {
	EventBase
}

// ImplVersion describes the implementation as reported in the connect
// handshake.
type ImplVersion struct {
	Impl          string `json:"impl"`
	Version       string `json:"version"`
	OneBotVersion string `json:"onebot_version"`
}

// ConnectMetaEvent must be the first frame on every v12 WebSocket.
type ConnectMetaEvent struct {
	MetaEventBase
	Version ImplVersion `json:"version"`
}

// BotStatus is one bot's liveness entry in a status update.
type BotStatus struct {
	Self   BotSelf `json:"self"`
	Online bool    `json:"online"`
}

// Status is the implementation status carried by heartbeat and
// status_update events.
type Status struct {
	Good bool        `json:"good"`
	Bots []BotStatus `json:"bots"`
}

// StatusUpdateMetaEvent reconciles the adapter's bot set.
type StatusUpdateMetaEvent struct {
	MetaEventBase
	Status Status `json:"status"`
}

// HeartbeatMetaEvent arrives periodically; logging is suppressed.
type HeartbeatMetaEvent struct {
	MetaEventBase
	Interval int64 `json:"interval"`
}

func (e *HeartbeatMetaEvent) Describe() (string, error) {
	return "", oberr.ErrNoLog
}

// EventFactory builds an empty event struct for Remarshal to fill.
type EventFactory func() Event

// eventKeys is the v12 discriminator tuple.
var eventKeys = []collator.Key{
	collator.Field("type"),
	collator.Field("detail_type"),
	collator.Field("sub_type"),
}

// NewEventCollator builds a registry seeded with the standard v12 event
// models.
func NewEventCollator(name string, logger *slog.Logger) *collator.Collator[EventFactory] {
	c := collator.New[EventFactory](name, eventKeys, logger)
	reg := func(lits []string, f EventFactory) {
		if err := c.Register(lits, f); err != nil {
			panic(fmt.Sprintf("v12 event registry: %v", err))
		}
	}

	reg([]string{""}, func() Event { return new(anyEvent) })

	reg([]string{"message", "private"}, func() Event { return new(PrivateMessageEvent) })
	reg([]string{"message", "group"}, func() Event { return new(GroupMessageEvent) })
	reg([]string{"message", "channel"}, func() Event { return new(ChannelMessageEvent) })

	reg([]string{"notice"}, func() Event { return new(noticeFallback) })
	reg([]string{"notice", "friend_increase"}, func() Event { return new(FriendIncreaseEvent) })
	reg([]string{"notice", "friend_decrease"}, func() Event { return new(FriendDecreaseEvent) })
	reg([]string{"notice", "private_message_delete"}, func() Event { return new(PrivateMessageDeleteEvent) })
	reg([]string{"notice", "group_member_increase"}, func() Event { return new(GroupMemberIncreaseEvent) })
	reg([]string{"notice", "group_member_decrease"}, func() Event { return new(GroupMemberDecreaseEvent) })
	reg([]string{"notice", "group_message_delete"}, func() Event { return new(GroupMessageDeleteEvent) })

	reg([]string{"request"}, func() Event { return new(RequestEvent) })

	reg([]string{"meta", "connect"}, func() Event { return new(ConnectMetaEvent) })
	reg([]string{"meta", "heartbeat"}, func() Event { return new(HeartbeatMetaEvent) })
	reg([]string{"meta", "status_update"}, func() Event { return new(StatusUpdateMetaEvent) })

	return c
}

// anyEvent is the root fallback for unknown types.
type anyEvent struct {
	EventBase
}

func (e *anyEvent) Describe() (string, error) {
	return fmt.Sprintf("unrecognized event (type=%s detail_type=%s)", e.Type, e.DetailType), nil
}

// noticeFallback catches notice detail types with no dedicated model.
type noticeFallback struct {
	NoticeEventBase
}

// Registries routes classification through per-(impl, platform)
// registries with a global fallback, so platform extensions can override
// standard models without affecting other platforms.
type Registries struct {
	logger *slog.Logger
	global *collator.Collator[EventFactory]

	scoped map[[2]string]*collator.Collator[EventFactory]
}

// NewRegistries creates the registry set with the standard models in the
// global registry.
func NewRegistries(logger *slog.Logger) *Registries {
	return &Registries{
		logger: logger,
		global: NewEventCollator("onebot-v12", logger),
		scoped: make(map[[2]string]*collator.Collator[EventFactory]),
	}
}

// Register adds a custom model. Empty impl and platform target the
// global registry. Not safe to call concurrently with itself; typically
// done at startup.
func (r *Registries) Register(impl, platform string, lits []string, f EventFactory) error {
	if impl == "" && platform == "" {
		return r.global.Register(lits, f)
	}
	key := [2]string{impl, platform}
	c, ok := r.scoped[key]
	if !ok {
		c = collator.New[EventFactory](fmt.Sprintf("onebot-v12[%s/%s]", impl, platform), eventKeys, r.logger)
		r.scoped[key] = c
	}
	return c.Register(lits, f)
}

// Decode classifies and fills the most specific event model, consulting
// the (impl, platform) registry before the global one.
func (r *Registries) Decode(impl, platform string, payload map[string]any) (Event, error) {
	var candidates []EventFactory
	if c, ok := r.scoped[[2]string{impl, platform}]; ok {
		scoped, err := c.Classify(payload)
		if err != nil {
			return nil, err
		}
		candidates = scoped
	}
	global, err := r.global.Classify(payload)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, global...)

	var lastErr error
	for _, f := range candidates {
		ev := f()
		if err := wire.Remarshal(payload, ev); err != nil {
			lastErr = err
			continue
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
