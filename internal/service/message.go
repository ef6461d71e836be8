package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/events"
	"github.com/elijah-farrell/nexuschat-sub001/internal/metrics"
	"github.com/elijah-farrell/nexuschat-sub001/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// MessageService 是追加写消息日志：会话内按 Seq 全序，消息一经写入不可变。
type MessageService struct {
	db     *gorm.DB
	conv   *ConversationService
	router Router
	// seqLocks 按会话 id 互斥，是序号分配的唯一串行化点。临界区只覆盖
	// 递增 last_seq 并落库的事务，绝不跨越 fan-out。
	seqLocks *keyedMutex
}

func NewMessageService(gdb *gorm.DB, conv *ConversationService, router Router) *MessageService {
	return &MessageService{db: gdb, conv: conv, router: router, seqLocks: newKeyedMutex()}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID             uint      `json:"id"`
	ConversationID uint      `json:"conversation_id"`
	SenderID       uint      `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// Append 为会话追加一条消息：分配下一个序号、持久化，然后交给投递层
// 推送给全部当前成员。originConnID 标记触发本次发送的 WebSocket 连接，
// 用于回显抑制；REST 调用传空串。
func (s *MessageService) Append(convID, senderID uint, content, originConnID string) (*MessageDTO, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	var conv models.Conversation
	if err := s.db.First(&conv, convID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	isMember, err := s.conv.IsMember(convID, senderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAMember
	}

	var msg models.Message
	unlock := s.seqLocks.Lock(fmt.Sprintf("conv:%d", convID))
	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 事务内重读水位，保证崩溃重启后序号从持久化的值继续，不重用不回退。
		var cur models.Conversation
		if err := tx.Select("id", "last_seq").First(&cur, convID).Error; err != nil {
			return err
		}
		seq := cur.LastSeq + 1
		msg = models.Message{ConversationID: convID, SenderID: senderID, Content: content, Seq: seq}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", convID).
			Updates(map[string]interface{}{"last_seq": seq, "last_activity": msg.CreatedAt}).Error
	})
	unlock()
	if err != nil {
		return nil, err
	}
	metrics.MessagesAppendedTotal.Inc()

	var sender models.User
	if err := s.db.Select("id", "username").First(&sender, senderID).Error; err != nil {
		log.Warn().Err(err).Uint("user_id", senderID).Msg("load sender for event")
	}
	dto := &MessageDTO{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     sender.Username,
		Content:        msg.Content,
		Seq:            msg.Seq,
		CreatedAt:      msg.CreatedAt,
	}

	members, err := s.conv.MemberIDs(convID)
	if err != nil {
		// 消息已落库，丢一次 fan-out 可接受，客户端拉历史补齐；但必须留痕。
		log.Error().Err(err).Uint("conversation_id", convID).Msg("resolve members for fan-out")
		return dto, nil
	}
	s.router.Publish(events.MessageNew{
		MessageID:      dto.ID,
		ConversationID: dto.ConversationID,
		SenderID:       dto.SenderID,
		SenderName:     dto.SenderName,
		Content:        dto.Content,
		Seq:            dto.Seq,
		CreatedAt:      dto.CreatedAt,
	}, members, originConnID)
	return dto, nil
}

// History 按序号降序分页返回历史消息：beforeSeq > 0 时只取序号更小的，
// 否则从最新一条开始取，这是客户端断线重连后回溯的契约。
func (s *MessageService) History(convID, requesterID uint, beforeSeq int64, limit int) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var conv models.Conversation
	if err := s.db.First(&conv, convID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	isMember, err := s.conv.IsMember(convID, requesterID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAMember
	}

	q := s.db.Where("conversation_id = ?", convID)
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}
	var msgs []models.Message
	if err := q.Order("seq desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			SenderName:     usernames[m.SenderID],
			Content:        m.Content,
			Seq:            m.Seq,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
