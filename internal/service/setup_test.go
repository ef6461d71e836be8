package service

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/elijah-farrell/nexuschat-sub001/internal/events"
	"github.com/elijah-farrell/nexuschat-sub001/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupDB opens a per-test in-memory SQLite database. A single pooled
// connection keeps concurrent test writers from tripping SQLite locking.
func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
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
	if err := gdb.AutoMigrate(
		&models.User{},
		&models.FriendRequest{},
		&models.Friendship{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.Message{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return gdb
}

func seedUser(t *testing.T, db *gorm.DB, username string) uint {
	t.Helper()
	u := models.User{Username: username, DisplayName: username, Status: models.UserActive}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return u.ID
}

// captureRouter records every published event for assertions.
type captureRouter struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	event      events.Event
	recipients []uint
	skipConnID string
}

func (r *captureRouter) Publish(e events.Event, recipients []uint, skipConnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, capturedEvent{event: e, recipients: recipients, skipConnID: skipConnID})
}

func (r *captureRouter) byType(t events.Type) []capturedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []capturedEvent
	for _, e := range r.events {
		if e.event.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}
