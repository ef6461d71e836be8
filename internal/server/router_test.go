package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/config"
	"github.com/elijah-farrell/nexuschat-sub001/internal/db"
	"github.com/elijah-farrell/nexuschat-sub001/internal/identity"
	"github.com/elijah-farrell/nexuschat-sub001/internal/models"
	"github.com/elijah-farrell/nexuschat-sub001/internal/presence"
	"github.com/elijah-farrell/nexuschat-sub001/internal/ws"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRouter(t *testing.T) (*gin.Engine, *gorm.DB, config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{
		Port:                    "0",
		DatabaseDSN:             dsn,
		JWTSecret:               "test-secret",
		Env:                     "dev",
		PresenceGraceSeconds:    1,
		HeartbeatTimeoutSeconds: 60,
	}
	hub := ws.NewHub()
	tracker := presence.NewTracker(time.Second, time.Minute, nil)
	t.Cleanup(tracker.Stop)
	return SetupRouter(cfg, gdb, hub, tracker), gdb, cfg
}

func seedUser(t *testing.T, gdb *gorm.DB, name string) uint {
	t.Helper()
	u := models.User{Username: name, DisplayName: name, Status: models.UserActive}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u.ID
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	engine, _, _ := setupRouter(t)

	w := doJSON(t, engine, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", w.Code)
	}
}

func TestAPI_RequiresBearer(t *testing.T) {
	engine, _, _ := setupRouter(t)

	w := doJSON(t, engine, http.MethodGet, "/api/v1/friends", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", w.Code)
	}
	w = doJSON(t, engine, http.MethodGet, "/api/v1/friends", "not-a-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with bad token", w.Code)
	}
}

// TestFullFlow drives the whole surface: friend request, accept, direct
// conversation, message append, and history fetch.
func TestFullFlow(t *testing.T) {
	engine, gdb, cfg := setupRouter(t)
	alice := seedUser(t, gdb, "alice")
	bob := seedUser(t, gdb, "bob")

	mint := func(uid uint) string {
		tok, err := identity.MintAccessToken(uid, cfg.JWTSecret, time.Minute)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		return tok
	}
	aliceTok, bobTok := mint(alice), mint(bob)

	// alice -> bob friend request
	w := doJSON(t, engine, http.MethodPost, "/api/v1/friends/requests", aliceTok,
		gin.H{"recipient_id": bob})
	if w.Code != http.StatusOK {
		t.Fatalf("send request status = %d, body %s", w.Code, w.Body)
	}
	var sendResp struct {
		Request struct {
			ID     uint   `json:"id"`
			Status string `json:"status"`
		} `json:"request"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sendResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sendResp.Request.Status != "pending" {
		t.Fatalf("request status = %s, want pending", sendResp.Request.Status)
	}

	// duplicate is a conflict
	w = doJSON(t, engine, http.MethodPost, "/api/v1/friends/requests", bobTok,
		gin.H{"recipient_id": alice})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate request status = %d, want 409", w.Code)
	}

	// self target is a validation error
	w = doJSON(t, engine, http.MethodPost, "/api/v1/friends/requests", aliceTok,
		gin.H{"recipient_id": alice})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("self request status = %d, want 400", w.Code)
	}

	// bob accepts
	w = doJSON(t, engine, http.MethodPost,
		fmt.Sprintf("/api/v1/friends/requests/%d/respond", sendResp.Request.ID), bobTok,
		gin.H{"decision": "accept"})
	if w.Code != http.StatusOK {
		t.Fatalf("respond status = %d, body %s", w.Code, w.Body)
	}

	// replaying the accept is a conflict
	w = doJSON(t, engine, http.MethodPost,
		fmt.Sprintf("/api/v1/friends/requests/%d/respond", sendResp.Request.ID), bobTok,
		gin.H{"decision": "decline"})
	if w.Code != http.StatusConflict {
		t.Fatalf("replay respond status = %d, want 409", w.Code)
	}

	// alice sees bob as a friend, offline
	w = doJSON(t, engine, http.MethodGet, "/api/v1/friends", aliceTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list friends status = %d", w.Code)
	}
	var friendsResp struct {
		Friends []struct {
			ID       uint   `json:"id"`
			Presence string `json:"presence"`
		} `json:"friends"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &friendsResp); err != nil {
		t.Fatalf("decode friends: %v", err)
	}
	if len(friendsResp.Friends) != 1 || friendsResp.Friends[0].ID != bob {
		t.Fatalf("friends = %+v, want only bob", friendsResp.Friends)
	}
	if friendsResp.Friends[0].Presence != "offline" {
		t.Errorf("presence = %s, want offline", friendsResp.Friends[0].Presence)
	}

	// direct conversation, called twice, resolves once
	var convID uint
	for i := 0; i < 2; i++ {
		w = doJSON(t, engine, http.MethodPost, "/api/v1/conversations/direct", aliceTok,
			gin.H{"peer_id": bob})
		if w.Code != http.StatusOK {
			t.Fatalf("direct status = %d, body %s", w.Code, w.Body)
		}
		var convResp struct {
			Conversation struct {
				ID uint `json:"id"`
			} `json:"conversation"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &convResp); err != nil {
			t.Fatalf("decode conversation: %v", err)
		}
		if i == 0 {
			convID = convResp.Conversation.ID
		} else if convResp.Conversation.ID != convID {
			t.Fatalf("second direct call returned %d, want %d", convResp.Conversation.ID, convID)
		}
	}

	// alice appends three messages while bob has no live connection
	for i := 1; i <= 3; i++ {
		w = doJSON(t, engine, http.MethodPost,
			fmt.Sprintf("/api/v1/conversations/%d/messages", convID), aliceTok,
			gin.H{"content": fmt.Sprintf("hello %d", i)})
		if w.Code != http.StatusOK {
			t.Fatalf("append %d status = %d, body %s", i, w.Code, w.Body)
		}
	}

	// empty content rejected
	w = doJSON(t, engine, http.MethodPost,
		fmt.Sprintf("/api/v1/conversations/%d/messages", convID), aliceTok,
		gin.H{"content": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty append status = %d, want 400", w.Code)
	}

	// bob fetches history with no before_seq: all three, descending
	w = doJSON(t, engine, http.MethodGet,
		fmt.Sprintf("/api/v1/conversations/%d/messages", convID), bobTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var histResp struct {
		Messages []struct {
			Seq     int64  `json:"seq"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &histResp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(histResp.Messages) != 3 {
		t.Fatalf("history returned %d messages, want 3", len(histResp.Messages))
	}
	for i, want := range []int64{3, 2, 1} {
		if histResp.Messages[i].Seq != want {
			t.Errorf("messages[%d].Seq = %d, want %d", i, histResp.Messages[i].Seq, want)
		}
	}

	// conversations list shows the direct conversation with last_seq 3
	w = doJSON(t, engine, http.MethodGet, "/api/v1/conversations", bobTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list conversations status = %d", w.Code)
	}
	var listResp struct {
		Conversations []struct {
			ID      uint  `json:"id"`
			LastSeq int64 `json:"last_seq"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(listResp.Conversations) != 1 || listResp.Conversations[0].LastSeq != 3 {
		t.Fatalf("conversations = %+v, want one with last_seq 3", listResp.Conversations)
	}
}

func TestGroupMembershipErrors(t *testing.T) {
	engine, gdb, cfg := setupRouter(t)
	alice := seedUser(t, gdb, "alice")
	bob := seedUser(t, gdb, "bob")
	carol := seedUser(t, gdb, "carol")

	aliceTok, _ := identity.MintAccessToken(alice, cfg.JWTSecret, time.Minute)
	bobTok, _ := identity.MintAccessToken(bob, cfg.JWTSecret, time.Minute)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/conversations/group", aliceTok,
		gin.H{"name": "standup", "member_ids": []uint{bob}})
	if w.Code != http.StatusOK {
		t.Fatalf("create group status = %d, body %s", w.Code, w.Body)
	}
	var convResp struct {
		Conversation struct {
			ID uint `json:"id"`
		} `json:"conversation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &convResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	groupID := convResp.Conversation.ID

	// blank name rejected
	w = doJSON(t, engine, http.MethodPost, "/api/v1/conversations/group", aliceTok,
		gin.H{"name": "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank name status = %d, want 400", w.Code)
	}

	// duplicate add is a conflict
	w = doJSON(t, engine, http.MethodPost,
		fmt.Sprintf("/api/v1/conversations/%d/members", groupID), aliceTok,
		gin.H{"user_id": bob})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate member status = %d, want 409", w.Code)
	}

	// non-member cannot append
	carolTok, _ := identity.MintAccessToken(carol, cfg.JWTSecret, time.Minute)
	w = doJSON(t, engine, http.MethodPost,
		fmt.Sprintf("/api/v1/conversations/%d/messages", groupID), carolTok,
		gin.H{"content": "let me in"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-member append status = %d, want 403", w.Code)
	}

	// adding carol lets her in
	w = doJSON(t, engine, http.MethodPost,
		fmt.Sprintf("/api/v1/conversations/%d/members", groupID), bobTok,
		gin.H{"user_id": carol})
	if w.Code != http.StatusOK {
		t.Fatalf("add member status = %d, body %s", w.Code, w.Body)
	}
	w = doJSON(t, engine, http.MethodPost,
		fmt.Sprintf("/api/v1/conversations/%d/messages", groupID), carolTok,
		gin.H{"content": "hi all"})
	if w.Code != http.StatusOK {
		t.Fatalf("member append status = %d, body %s", w.Code, w.Body)
	}
}
