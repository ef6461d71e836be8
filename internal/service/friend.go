package service

import (
	"errors"
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/events"
	"github.com/elijah-farrell/nexuschat-sub001/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// FriendService 封装好友请求生命周期与好友边集合。
type FriendService struct {
	db     *gorm.DB
	router Router
	// pairLocks 按无序用户对互斥，保证同进程内同一对用户并发发起请求时
	// pending 检查与插入串行执行，任一时刻至多一条 pending。
	pairLocks *keyedMutex
}

func NewFriendService(db *gorm.DB, router Router) *FriendService {
	return &FriendService{db: db, router: router, pairLocks: newKeyedMutex()}
}

// RequestDTO 是对外输出的好友请求数据。
type RequestDTO struct {
	ID          uint      `json:"id"`
	SenderID    uint      `json:"sender_id"`
	RecipientID uint      `json:"recipient_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// FriendDTO 是好友列表里的单个条目，presence 字段由上层补充。
type FriendDTO struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Presence    string `json:"presence,omitempty"`
}

func toRequestDTO(r *models.FriendRequest) *RequestDTO {
	return &RequestDTO{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
	}
}

// SendRequest 创建一条 pending 请求并通知接收方。
// 同一对用户（不分方向）任一时刻至多一条 pending 请求。
func (s *FriendService) SendRequest(senderID, recipientID uint) (*RequestDTO, error) {
	if senderID == recipientID {
		return nil, ErrInvalidTarget
	}
	var recipient models.User
	if err := s.db.First(&recipient, recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	unlock := s.pairLocks.Lock(pairKey(senderID, recipientID))
	defer unlock()

	exists, err := s.edgeExists(s.db, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyFriends
	}

	var req models.FriendRequest
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.FriendRequest{}).
			Where("status = ?", models.RequestPending).
			Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
				senderID, recipientID, recipientID, senderID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicatePending
		}
		req = models.FriendRequest{SenderID: senderID, RecipientID: recipientID, Status: models.RequestPending}
		return tx.Create(&req).Error
	})
	if err != nil {
		return nil, err
	}

	var sender models.User
	if err := s.db.Select("id", "username").First(&sender, senderID).Error; err != nil {
		log.Warn().Err(err).Uint("user_id", senderID).Msg("load sender for event")
	}
	s.router.Publish(events.FriendRequestCreated{
		RequestID:  req.ID,
		SenderID:   senderID,
		SenderName: sender.Username,
		CreatedAt:  req.CreatedAt,
	}, []uint{recipientID}, "")
	return toRequestDTO(&req), nil
}

// Respond 由接收方 accept/decline 一条 pending 请求。accept 时状态迁移与
// 好友边创建在同一事务内完成，二者要么都发生要么都不发生。
func (s *FriendService) Respond(requestID, responderID uint, accept bool) (*RequestDTO, error) {
	var req models.FriendRequest
	if err := s.db.First(&req, requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if req.RecipientID != responderID {
		return nil, ErrNotFound
	}
	if req.Status != models.RequestPending {
		return nil, ErrAlreadyResolved
	}

	next := models.RequestDeclined
	if accept {
		next = models.RequestAccepted
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// 条件更新挡掉并发的重复 accept/decline：只有仍处于 pending 的那一次生效。
		res := tx.Model(&models.FriendRequest{}).
			Where("id = ? AND status = ?", requestID, models.RequestPending).
			Update("status", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyResolved
		}
		if accept {
			edge := models.Friendship{UserA: req.SenderID, UserB: req.RecipientID}
			edge.Canonicalize()
			if err := tx.Create(&edge).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	req.Status = next

	s.router.Publish(events.FriendRequestResolved{
		RequestID:   req.ID,
		RecipientID: req.RecipientID,
		Status:      string(next),
		ResolvedAt:  time.Now(),
	}, []uint{req.SenderID}, "")
	return toRequestDTO(&req), nil
}

// Cancel 由发送方撤回自己的 pending 请求。
func (s *FriendService) Cancel(requestID, senderID uint) error {
	var req models.FriendRequest
	if err := s.db.First(&req, requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if req.SenderID != senderID {
		return ErrForbidden
	}
	if req.Status != models.RequestPending {
		return ErrAlreadyResolved
	}
	res := s.db.Model(&models.FriendRequest{}).
		Where("id = ? AND status = ?", requestID, models.RequestPending).
		Update("status", models.RequestCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// Unfriend 删除好友边，任意一方可操作；边不存在时视为已满足，不报错。
func (s *FriendService) Unfriend(userID, friendID uint) error {
	edge := models.Friendship{UserA: userID, UserB: friendID}
	edge.Canonicalize()
	return s.db.Where("user_a = ? AND user_b = ?", edge.UserA, edge.UserB).
		Delete(&models.Friendship{}).Error
}

// ListFriends 返回好友及其基础信息，按用户名排序。
func (s *FriendService) ListFriends(userID uint) ([]FriendDTO, error) {
	ids, err := s.FriendIDs(userID)
	if err != nil {
		return nil, err
	}
	out := make([]FriendDTO, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.Select("id", "username", "display_name").
		Where("id IN ?", ids).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out = append(out, FriendDTO{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
	}
	return out, nil
}

// FriendIDs 返回用户的全部好友 id。
func (s *FriendService) FriendIDs(userID uint) ([]uint, error) {
	var edges []models.Friendship
	if err := s.db.Where("user_a = ? OR user_b = ?", userID, userID).Find(&edges).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(edges))
	for _, e := range edges {
		if e.UserA == userID {
			ids = append(ids, e.UserB)
		} else {
			ids = append(ids, e.UserA)
		}
	}
	return ids, nil
}

// PendingRequests 返回与用户相关的全部 pending 请求，分为收到与发出两组。
func (s *FriendService) PendingRequests(userID uint) (incoming, outgoing []RequestDTO, err error) {
	var reqs []models.FriendRequest
	if err = s.db.Where("status = ?", models.RequestPending).
		Where("sender_id = ? OR recipient_id = ?", userID, userID).
		Order("id desc").Find(&reqs).Error; err != nil {
		return nil, nil, err
	}
	incoming = make([]RequestDTO, 0, len(reqs))
	outgoing = make([]RequestDTO, 0, len(reqs))
	for i := range reqs {
		dto := toRequestDTO(&reqs[i])
		if reqs[i].RecipientID == userID {
			incoming = append(incoming, *dto)
		} else {
			outgoing = append(outgoing, *dto)
		}
	}
	return incoming, outgoing, nil
}

// AudienceOf 返回需要看到该用户 presence 变化的受众：好友加所有会话同伴。
func (s *FriendService) AudienceOf(userID uint) ([]uint, error) {
	ids, err := s.FriendIDs(userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}

	var peers []uint
	err = s.db.Model(&models.ConversationMember{}).
		Distinct("user_id").
		Where("user_id <> ?", userID).
		Where("conversation_id IN (?)", s.db.Model(&models.ConversationMember{}).
			Select("conversation_id").Where("user_id = ?", userID)).
		Pluck("user_id", &peers).Error
	if err != nil {
		return nil, err
	}
	for _, id := range peers {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *FriendService) edgeExists(tx *gorm.DB, a, b uint) (bool, error) {
	edge := models.Friendship{UserA: a, UserB: b}
	edge.Canonicalize()
	var count int64
	err := tx.Model(&models.Friendship{}).
		Where("user_a = ? AND user_b = ?", edge.UserA, edge.UserB).Count(&count).Error
	return count > 0, err
}
