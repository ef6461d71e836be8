package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/elijah-farrell/nexuschat-sub001/internal/identity"
	"github.com/elijah-farrell/nexuschat-sub001/internal/presence"
	"github.com/elijah-farrell/nexuschat-sub001/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	friendSvc *service.FriendService
	convSvc   *service.ConversationService
	msgSvc    *service.MessageService
	tracker   *presence.Tracker
}

func NewHandler(friendSvc *service.FriendService, convSvc *service.ConversationService,
	msgSvc *service.MessageService, tracker *presence.Tracker) *Handler {
	return &Handler{friendSvc: friendSvc, convSvc: convSvc, msgSvc: msgSvc, tracker: tracker}
}

// writeServiceError 把业务错误映射到 HTTP 状态码：校验 400、越权 403、
// 缺失 404、冲突 409，其余 500 并记录日志。
func writeServiceError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrInvalidTarget),
		errors.Is(err, service.ErrInvalidName),
		errors.Is(err, service.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden),
		errors.Is(err, service.ErrNotAMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrAlreadyFriends),
		errors.Is(err, service.ErrDuplicatePending),
		errors.Is(err, service.ErrAlreadyResolved),
		errors.Is(err, service.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("op", op).Uint("user_id", identity.GetUserID(c)).Msg("service error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// SendFriendRequest 处理发送好友请求。
func (h *Handler) SendFriendRequest(c *gin.Context) {
	var req struct {
		RecipientID uint `json:"recipient_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RecipientID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dto, err := h.friendSvc.SendRequest(identity.GetUserID(c), req.RecipientID)
	if err != nil {
		writeServiceError(c, err, "send friend request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": dto})
}

// RespondFriendRequest 处理接收方 accept/decline。
func (h *Handler) RespondFriendRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Decision string `json:"decision"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	decision := strings.ToLower(strings.TrimSpace(req.Decision))
	if decision != "accept" && decision != "decline" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be accept or decline"})
		return
	}
	dto, err := h.friendSvc.Respond(id, identity.GetUserID(c), decision == "accept")
	if err != nil {
		writeServiceError(c, err, "respond friend request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": dto})
}

// CancelFriendRequest 处理发送方撤回。
func (h *Handler) CancelFriendRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.friendSvc.Cancel(id, identity.GetUserID(c)); err != nil {
		writeServiceError(c, err, "cancel friend request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// ListFriendRequests 返回当前用户相关的 pending 请求。
func (h *Handler) ListFriendRequests(c *gin.Context) {
	incoming, outgoing, err := h.friendSvc.PendingRequests(identity.GetUserID(c))
	if err != nil {
		writeServiceError(c, err, "list friend requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"incoming": incoming, "outgoing": outgoing})
}

// ListFriends 返回好友列表并附带实时 presence。
func (h *Handler) ListFriends(c *gin.Context) {
	friends, err := h.friendSvc.ListFriends(identity.GetUserID(c))
	if err != nil {
		writeServiceError(c, err, "list friends")
		return
	}
	for i := range friends {
		friends[i].Presence = string(h.tracker.Status(friends[i].ID))
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

// Unfriend 删除好友边，边不存在也返回成功。
func (h *Handler) Unfriend(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.friendSvc.Unfriend(identity.GetUserID(c), id); err != nil {
		writeServiceError(c, err, "unfriend")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateDirectConversation 查找或创建当前用户与对端的 direct 会话。
func (h *Handler) CreateDirectConversation(c *gin.Context) {
	var req struct {
		PeerID uint `json:"peer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.PeerID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dto, err := h.convSvc.GetOrCreateDirect(identity.GetUserID(c), req.PeerID)
	if err != nil {
		writeServiceError(c, err, "get or create direct")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": dto})
}

// CreateGroupConversation 创建 group 会话。
func (h *Handler) CreateGroupConversation(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		MemberIDs []uint `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group name"})
		return
	}
	dto, err := h.convSvc.CreateGroup(identity.GetUserID(c), req.Name, req.MemberIDs)
	if err != nil {
		writeServiceError(c, err, "create group")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": dto})
}

// AddConversationMember 向 group 会话添加成员。
func (h *Handler) AddConversationMember(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.convSvc.AddMember(id, identity.GetUserID(c), req.UserID); err != nil {
		writeServiceError(c, err, "add member")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListConversations 返回当前用户的会话列表，最近活跃在前。
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.convSvc.List(identity.GetUserID(c))
	if err != nil {
		writeServiceError(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// AppendMessage 处理向会话追加消息。
func (h *Handler) AppendMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dto, err := h.msgSvc.Append(id, identity.GetUserID(c), req.Content, "")
	if err != nil {
		writeServiceError(c, err, "append message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": dto})
}

// FetchHistory 按序号降序分页返回历史消息。
func (h *Handler) FetchHistory(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var beforeSeq int64
	if v := c.Query("before_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_seq"})
			return
		}
		beforeSeq = n
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	msgs, err := h.msgSvc.History(id, identity.GetUserID(c), beforeSeq, limit)
	if err != nil {
		writeServiceError(c, err, "fetch history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
