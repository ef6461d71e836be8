package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/db"
	"github.com/elijah-farrell/nexuschat-sub001/internal/models"

	"gorm.io/gorm"
)

// ConversationService 负责会话记录与成员集合的解析和创建。
type ConversationService struct {
	db *gorm.DB
	// pairLocks 按 direct 会话的 pair key 互斥，保证同进程内同一对用户的
	// 并发 find-or-create 只会创建一个会话；跨进程竞争由 pair_key 唯一索引兜底。
	pairLocks *keyedMutex
}

func NewConversationService(gdb *gorm.DB) *ConversationService {
	return &ConversationService{db: gdb, pairLocks: newKeyedMutex()}
}

// ConversationDTO 是对外输出的会话数据。
type ConversationDTO struct {
	ID           uint      `json:"id"`
	Type         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	CreatorID    uint      `json:"creator_id"`
	MemberIDs    []uint    `json:"member_ids"`
	LastSeq      int64     `json:"last_seq"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

func pairKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// GetOrCreateDirect 解析两个用户之间唯一的 direct 会话，不存在则原子创建。
// 已存在时原样返回，不做任何修改。
func (s *ConversationService) GetOrCreateDirect(userA, userB uint) (*ConversationDTO, error) {
	if userA == userB {
		return nil, ErrInvalidTarget
	}
	var peer models.User
	if err := s.db.First(&peer, userB).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	key := pairKey(userA, userB)
	unlock := s.pairLocks.Lock(key)
	defer unlock()

	var conv models.Conversation
	err := s.db.Where("pair_key = ?", key).First(&conv).Error
	if err == nil {
		return s.toDTO(&conv)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	conv = models.Conversation{
		Type:         models.ConversationDirect,
		CreatorID:    userA,
		PairKey:      &key,
		LastActivity: now,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		members := []models.ConversationMember{
			{ConversationID: conv.ID, UserID: userA},
			{ConversationID: conv.ID, UserID: userB},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		// 另一个进程可能抢先创建触发唯一索引冲突，此时读回赢家即可。
		if err2 := s.db.Where("pair_key = ?", key).First(&conv).Error; err2 == nil {
			return s.toDTO(&conv)
		}
		return nil, err
	}
	return s.toDTO(&conv)
}

// CreateGroup 创建 group 会话，成员为创建者加显式给出的初始成员。
func (s *ConversationService) CreateGroup(creatorID uint, name string, memberIDs []uint) (*ConversationDTO, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	seen := map[uint]struct{}{creatorID: {}}
	all := []uint{creatorID}
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		all = append(all, id)
	}

	conv := models.Conversation{
		Type:         models.ConversationGroup,
		Name:         name,
		CreatorID:    creatorID,
		LastActivity: time.Now(),
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		members := make([]models.ConversationMember, 0, len(all))
		for _, id := range all {
			members = append(members, models.ConversationMember{ConversationID: conv.ID, UserID: id})
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, err
	}
	return s.toDTO(&conv)
}

// AddMember 向 group 会话添加成员。direct 会话成员固定，拒绝任何改动；
// 重复添加显式报错而不是静默成功，便于暴露客户端缺陷。
func (s *ConversationService) AddMember(convID, actorID, newMemberID uint) error {
	var conv models.Conversation
	if err := s.db.First(&conv, convID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if conv.Type == models.ConversationDirect {
		return ErrForbidden
	}
	isMember, err := s.IsMember(convID, actorID)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrForbidden
	}
	already, err := s.IsMember(convID, newMemberID)
	if err != nil {
		return err
	}
	if already {
		return ErrAlreadyMember
	}
	return s.db.Create(&models.ConversationMember{ConversationID: convID, UserID: newMemberID}).Error
}

// List 返回用户参与的全部会话，最近活跃的排在最前。
func (s *ConversationService) List(userID uint) ([]ConversationDTO, error) {
	var convs []models.Conversation
	err := db.WithRetry(3, func() error {
		convs = convs[:0]
		return s.db.
			Where("id IN (?)", s.db.Model(&models.ConversationMember{}).
				Select("conversation_id").Where("user_id = ?", userID)).
			Order("last_activity desc").
			Find(&convs).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]ConversationDTO, 0, len(convs))
	for i := range convs {
		dto, err := s.toDTO(&convs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *dto)
	}
	return out, nil
}

// MemberIDs 返回会话当前成员的 id 列表。
func (s *ConversationService) MemberIDs(convID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.ConversationMember{}).
		Where("conversation_id = ?", convID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// IsMember 检查用户当前是否为会话成员。
func (s *ConversationService) IsMember(convID, userID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Count(&count).Error
	return count > 0, err
}

func (s *ConversationService) toDTO(conv *models.Conversation) (*ConversationDTO, error) {
	ids, err := s.MemberIDs(conv.ID)
	if err != nil {
		return nil, err
	}
	return &ConversationDTO{
		ID:           conv.ID,
		Type:         string(conv.Type),
		Name:         conv.Name,
		CreatorID:    conv.CreatorID,
		MemberIDs:    ids,
		LastSeq:      conv.LastSeq,
		LastActivity: conv.LastActivity,
		CreatedAt:    conv.CreatedAt,
	}, nil
}
