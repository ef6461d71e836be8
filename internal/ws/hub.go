package ws

import (
	"sync"

	"github.com/elijah-farrell/nexuschat-sub001/internal/events"
	"github.com/elijah-farrell/nexuschat-sub001/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 是按用户 id 组织的连接注册表，同一用户的多设备各占一条连接。
// 投递是 fan-out：一个事件推给接收者的每一条在线连接，至多一次，尽力
// 而为；没有在线连接的接收者直接丢弃，由客户端重连后拉历史补齐。
type Hub struct {
	mu    sync.RWMutex
	users map[uint]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{users: make(map[uint]map[*Client]struct{})}
}

// Register 把连接挂到所属用户名下。
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.WsConnections.Inc()
}

// Unregister 摘除连接并关闭其发送通道，重复调用无害。
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	set, ok := h.users[c.userID]
	if ok {
		if _, present := set[c]; present {
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, c.userID)
			}
			metrics.WsConnections.Dec()
		} else {
			ok = false
		}
	}
	h.mu.Unlock()
	if ok {
		c.closeSend()
	}
}

// Connections 返回用户当前在线连接数。
func (h *Hub) Connections(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Publish 把事件编码一次后推给每个接收者的全部在线连接。skipConnID
// 非空时跳过那条连接（WebSocket 发送方的回显抑制）。发送缓冲已满的慢
// 连接被当场摘除，防止拖垮其他接收者。
func (h *Hub) Publish(e events.Event, recipients []uint, skipConnID string) {
	payload, err := events.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("type", string(e.EventType())).Msg("marshal event")
		return
	}

	var stale []*Client
	h.mu.RLock()
	for _, uid := range recipients {
		for c := range h.users[uid] {
			if skipConnID != "" && c.id == skipConnID {
				continue
			}
			select {
			case c.send <- payload:
				metrics.EventsDeliveredTotal.WithLabelValues(string(e.EventType())).Inc()
			default:
				stale = append(stale, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.Unregister(c)
	}
}
