package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/config"
	"github.com/elijah-farrell/nexuschat-sub001/internal/events"
	"github.com/elijah-farrell/nexuschat-sub001/internal/identity"
	"github.com/elijah-farrell/nexuschat-sub001/internal/presence"
	"github.com/elijah-farrell/nexuschat-sub001/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Client 是一条已认证的 WebSocket 连接，id 在进程内唯一，用于回显抑制。
type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	userID    uint
	uname     string
	closeOnce sync.Once
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundFrame 是客户端上行帧的封闭集合：message.send / typing / presence / heartbeat。
type InboundFrame struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
	Status         string `json:"status,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Serve 完成 WebSocket 握手：认证、注册到 Hub、登记 presence，然后进入
// 读写泵。连接断开时注销的顺序与注册相反。
func Serve(hub *Hub, tracker *presence.Tracker, db *gorm.DB, cfg config.Config,
	msgSvc *service.MessageService, convSvc *service.ConversationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := identity.TokenFromRequest(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		user, err := identity.Resolve(db, token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			id:     uuid.NewString(),
			hub:    hub,
			conn:   conn,
			send:   make(chan []byte, 256),
			userID: user.ID,
			uname:  user.Username,
		}
		hub.Register(client)
		tracker.Connect(client.userID, client.id)

		go client.writePump()
		client.readPump(tracker, msgSvc, convSvc, cfg)
	}
}

func (c *Client) readPump(tracker *presence.Tracker, msgSvc *service.MessageService,
	convSvc *service.ConversationService, cfg config.Config) {
	defer func() {
		tracker.Disconnect(c.userID, c.id)
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	readWait := time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		tracker.Heartbeat(c.userID, c.id)
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		tracker.Heartbeat(c.userID, c.id)

		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Type {
		case "heartbeat":
			// 已经在上面刷新过活性了
		case "presence":
			tracker.SetAway(c.userID, in.Status == string(presence.StatusAway))
		case "typing":
			c.relayTyping(convSvc, in)
		case "message.send":
			if _, err := msgSvc.Append(in.ConversationID, c.userID, in.Content, c.id); err != nil {
				c.sendError(err.Error())
			} else {
				tracker.SetAway(c.userID, false)
			}
		}
	}
}

// relayTyping 把打字信号转发给会话其他成员，不落库。
func (c *Client) relayTyping(convSvc *service.ConversationService, in InboundFrame) {
	isMember, err := convSvc.IsMember(in.ConversationID, c.userID)
	if err != nil || !isMember {
		return
	}
	members, err := convSvc.MemberIDs(in.ConversationID)
	if err != nil {
		log.Warn().Err(err).Uint("conversation_id", in.ConversationID).Msg("typing relay members")
		return
	}
	c.hub.Publish(events.Typing{
		ConversationID: in.ConversationID,
		UserID:         c.userID,
		Username:       c.uname,
		IsTyping:       in.IsTyping,
	}, members, c.id)
}

func (c *Client) sendError(msg string) {
	b, err := json.Marshal(errorFrame{Type: "error", Error: msg})
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
