package server

import (
	"net/http"
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/config"
	"github.com/elijah-farrell/nexuschat-sub001/internal/identity"
	"github.com/elijah-farrell/nexuschat-sub001/internal/metrics"
	"github.com/elijah-farrell/nexuschat-sub001/internal/mw"
	"github.com/elijah-farrell/nexuschat-sub001/internal/presence"
	"github.com/elijah-farrell/nexuschat-sub001/internal/service"
	"github.com/elijah-farrell/nexuschat-sub001/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化中间件、REST API 以及 WebSocket 端点。
// 认证只发生在这一层的 identity 中间件里，service 层不再重复校验身份。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, tracker *presence.Tracker) *gin.Engine {
	friendSvc := service.NewFriendService(db, hub)
	convSvc := service.NewConversationService(db)
	msgSvc := service.NewMessageService(db, convSvc, hub)
	h := NewHandler(friendSvc, convSvc, msgSvc, tracker)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestID())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(identity.Middleware(cfg, db))

	api.POST("/friends/requests", h.SendFriendRequest)
	api.GET("/friends/requests", h.ListFriendRequests)
	api.POST("/friends/requests/:id/respond", h.RespondFriendRequest)
	api.POST("/friends/requests/:id/cancel", h.CancelFriendRequest)
	api.GET("/friends", h.ListFriends)
	api.DELETE("/friends/:id", h.Unfriend)

	api.POST("/conversations/direct", h.CreateDirectConversation)
	api.POST("/conversations/group", h.CreateGroupConversation)
	api.POST("/conversations/:id/members", h.AddConversationMember)
	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations/:id/messages", h.AppendMessage)
	api.GET("/conversations/:id/messages", h.FetchHistory)

	r.GET("/ws", ws.Serve(hub, tracker, db, cfg, msgSvc, convSvc))

	return r
}
