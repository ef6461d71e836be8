package models

import "time"

// UserStatus 是账号生命周期状态，与在线状态（presence）互相独立。
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserDeleted   UserStatus = "deleted"
)

type User struct {
	ID          uint       `gorm:"primaryKey"`
	Username    string     `gorm:"uniqueIndex;size:64;not null"`
	DisplayName string     `gorm:"size:128"`
	Email       string     `gorm:"size:255"`
	Status      UserStatus `gorm:"type:varchar(16);not null;default:'active'"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RequestStatus 好友请求状态，pending 是唯一的非终态。
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestDeclined  RequestStatus = "declined"
	RequestCancelled RequestStatus = "cancelled"
)

type FriendRequest struct {
	ID          uint          `gorm:"primaryKey"`
	SenderID    uint          `gorm:"not null;index:idx_friend_request_pair"`
	RecipientID uint          `gorm:"not null;index:idx_friend_request_pair"`
	Status      RequestStatus `gorm:"type:varchar(16);not null;default:'pending';index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Friendship 是对称的好友边，固定 UserA < UserB，每对用户只存一行。
type Friendship struct {
	ID        uint `gorm:"primaryKey"`
	UserA     uint `gorm:"not null;uniqueIndex:idx_friendship_pair"`
	UserB     uint `gorm:"not null;uniqueIndex:idx_friendship_pair"`
	CreatedAt time.Time
}

// Canonicalize 保证 UserA < UserB，写入前必须调用。
func (f *Friendship) Canonicalize() {
	if f.UserA > f.UserB {
		f.UserA, f.UserB = f.UserB, f.UserA
	}
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type Conversation struct {
	ID        uint             `gorm:"primaryKey"`
	Type      ConversationType `gorm:"type:varchar(10);not null;index"`
	Name      string           `gorm:"size:128"`
	CreatorID uint             `gorm:"not null"`
	// PairKey 仅 direct 会话使用，形如 "a:b"（a<b），唯一索引保证同一对用户
	// 至多一个 direct 会话。group 会话为 NULL，不参与唯一约束。
	PairKey *string `gorm:"uniqueIndex;size:64"`
	// LastSeq 是会话内已分配的最大消息序号，从 0 开始，随消息插入在同一事务内递增。
	LastSeq      int64     `gorm:"not null;default:0"`
	LastActivity time.Time `gorm:"index;not null"`
	CreatedAt    time.Time
}

type ConversationMember struct {
	ID             uint `gorm:"primaryKey"`
	ConversationID uint `gorm:"not null;uniqueIndex:idx_member_pair;index"`
	UserID         uint `gorm:"not null;uniqueIndex:idx_member_pair;index"`
	CreatedAt      time.Time
}

type Message struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID uint   `gorm:"not null;uniqueIndex:idx_msg_conv_seq"`
	SenderID       uint   `gorm:"not null;index"`
	Content        string `gorm:"type:text;not null"`
	// Seq 是会话内单调递增、无空洞的序号，从 1 开始，会话内全序由它决定。
	Seq       int64 `gorm:"not null;uniqueIndex:idx_msg_conv_seq"`
	CreatedAt time.Time
}
