package events

import (
	"encoding/json"
	"time"
)

// Type 是事件流上的封闭标签集合，消费端按标签穷举分发。
type Type string

const (
	TypeMessageNew            Type = "message.new"
	TypeFriendRequestCreated  Type = "friendRequest.created"
	TypeFriendRequestResolved Type = "friendRequest.resolved"
	TypePresenceChanged       Type = "presence.changed"
	TypeTyping                Type = "typing"
)

// Event 由本包内的具体事件类型实现，外部不再出现无类型的 map 载荷。
type Event interface {
	EventType() Type
}

type MessageNew struct {
	MessageID      uint      `json:"message_id"`
	ConversationID uint      `json:"conversation_id"`
	SenderID       uint      `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

func (MessageNew) EventType() Type { return TypeMessageNew }

type FriendRequestCreated struct {
	RequestID  uint      `json:"request_id"`
	SenderID   uint      `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	CreatedAt  time.Time `json:"created_at"`
}

func (FriendRequestCreated) EventType() Type { return TypeFriendRequestCreated }

type FriendRequestResolved struct {
	RequestID   uint      `json:"request_id"`
	RecipientID uint      `json:"recipient_id"`
	Status      string    `json:"status"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

func (FriendRequestResolved) EventType() Type { return TypeFriendRequestResolved }

type PresenceChanged struct {
	UserID    uint      `json:"user_id"`
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
}

func (PresenceChanged) EventType() Type { return TypePresenceChanged }

// Typing 不落库，只在会话成员之间实时转发。
type Typing struct {
	ConversationID uint   `json:"conversation_id"`
	UserID         uint   `json:"user_id"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"is_typing"`
}

func (Typing) EventType() Type { return TypeTyping }

type envelope struct {
	Type Type  `json:"type"`
	Data Event `json:"data"`
}

// Marshal 把事件编码成 {"type": ..., "data": ...} 的线格式。
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(envelope{Type: e.EventType(), Data: e})
}
