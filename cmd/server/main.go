package main

import (
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/config"
	"github.com/elijah-farrell/nexuschat-sub001/internal/db"
	"github.com/elijah-farrell/nexuschat-sub001/internal/events"
	clog "github.com/elijah-farrell/nexuschat-sub001/internal/log"
	"github.com/elijah-farrell/nexuschat-sub001/internal/presence"
	"github.com/elijah-farrell/nexuschat-sub001/internal/server"
	"github.com/elijah-farrell/nexuschat-sub001/internal/service"
	"github.com/elijah-farrell/nexuschat-sub001/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// 加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	hub := ws.NewHub()
	// presence 变化广播给好友与会话同伴；进程启动时所有人都从 offline 开始。
	audience := service.NewFriendService(gdb, hub)
	tracker := presence.NewTracker(
		time.Duration(cfg.PresenceGraceSeconds)*time.Second,
		time.Duration(cfg.HeartbeatTimeoutSeconds)*time.Second,
		func(userID uint, status presence.Status, at time.Time) {
			ids, err := audience.AudienceOf(userID)
			if err != nil {
				log.Warn().Err(err).Uint("user_id", userID).Msg("presence audience")
				return
			}
			hub.Publish(events.PresenceChanged{UserID: userID, Status: string(status), ChangedAt: at}, ids, "")
		},
	)
	defer tracker.Stop()

	r := server.SetupRouter(cfg, gdb, hub, tracker)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
