package presence

import (
	"sync"
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/metrics"
)

// Status 是实时在线状态，与账号生命周期状态无关。进程重启后一切从
// offline 重建，不做任何持久化。
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ChangeFunc 在状态变化时被调用，调用发生在独立 goroutine 上，不持有内部锁。
type ChangeFunc func(userID uint, status Status, at time.Time)

type userState struct {
	conns map[string]time.Time // connID -> 最近一次心跳
	away  bool
	// announced 表示是否已广播过 online 且尚未广播 offline，宽限期内的
	// 重连不会再触发一次 online。
	announced  bool
	graceTimer *time.Timer
}

// Tracker 维护每个用户的活跃连接集合并派生 online/away/offline。
// 断开后经过一段宽限期才真正转为 offline，以吸收重连抖动。
type Tracker struct {
	mu        sync.Mutex
	users     map[uint]*userState
	grace     time.Duration
	hbTimeout time.Duration
	onChange  ChangeFunc
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewTracker(grace, hbTimeout time.Duration, onChange ChangeFunc) *Tracker {
	if onChange == nil {
		onChange = func(uint, Status, time.Time) {}
	}
	t := &Tracker{
		users:     make(map[uint]*userState),
		grace:     grace,
		hbTimeout: hbTimeout,
		onChange:  onChange,
		stop:      make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Connect 登记一条活跃连接；用户的第一条连接使其转为 online 并广播。
func (t *Tracker) Connect(userID uint, connID string) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok {
		st = &userState{conns: make(map[string]time.Time)}
		t.users[userID] = st
	}
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	cameOnline := !st.announced
	st.announced = true
	st.conns[connID] = time.Now()
	t.mu.Unlock()

	if cameOnline {
		metrics.OnlineUsers.Inc()
		go t.onChange(userID, StatusOnline, time.Now())
	}
}

// Disconnect 注销一条连接；最后一条连接断开后启动宽限期计时，到期仍无
// 连接才转为 offline。与该用户的任何在途操作并发执行都是安全的。
func (t *Tracker) Disconnect(userID uint, connID string) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(st.conns, connID)
	if len(st.conns) > 0 {
		t.mu.Unlock()
		return
	}
	if st.graceTimer != nil {
		st.graceTimer.Stop()
	}
	st.graceTimer = time.AfterFunc(t.grace, func() { t.expire(userID) })
	t.mu.Unlock()
}

// Heartbeat 刷新连接活性；超时未刷新由 sweep 视为隐式断开。
func (t *Tracker) Heartbeat(userID uint, connID string) {
	t.mu.Lock()
	if st, ok := t.users[userID]; ok {
		if _, live := st.conns[connID]; live {
			st.conns[connID] = time.Now()
		}
	}
	t.mu.Unlock()
}

// SetAway 由客户端显式声明 away / 回到 online，仅在有活跃连接时有效。
func (t *Tracker) SetAway(userID uint, away bool) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || len(st.conns) == 0 || st.away == away {
		t.mu.Unlock()
		return
	}
	st.away = away
	t.mu.Unlock()

	status := StatusOnline
	if away {
		status = StatusAway
	}
	go t.onChange(userID, status, time.Now())
}

// Status 返回用户当前状态。
func (t *Tracker) Status(userID uint) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok || !st.announced {
		return StatusOffline
	}
	if st.away {
		return StatusAway
	}
	return StatusOnline
}

// Snapshot 批量读取一组用户的状态，好友列表接口用。
func (t *Tracker) Snapshot(userIDs []uint) map[uint]Status {
	out := make(map[uint]Status, len(userIDs))
	for _, id := range userIDs {
		out[id] = t.Status(id)
	}
	return out
}

// Connections 返回用户当前活跃连接数。
func (t *Tracker) Connections(userID uint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.users[userID]; ok {
		return len(st.conns)
	}
	return 0
}

// Stop 停止后台心跳清扫，用于优雅停服。
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// expire 宽限期到点：仍无连接则宣告 offline。
func (t *Tracker) expire(userID uint) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || len(st.conns) > 0 || !st.announced {
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	t.mu.Unlock()

	metrics.OnlineUsers.Dec()
	go t.onChange(userID, StatusOffline, time.Now())
}

// sweep 周期性把心跳超时的连接当作隐式断开处理。
func (t *Tracker) sweep() {
	interval := t.hbTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.hbTimeout)
			type stale struct {
				userID uint
				connID string
			}
			var expired []stale
			t.mu.Lock()
			for uid, st := range t.users {
				for cid, ts := range st.conns {
					if ts.Before(cutoff) {
						expired = append(expired, stale{uid, cid})
					}
				}
			}
			t.mu.Unlock()
			for _, e := range expired {
				t.Disconnect(e.userID, e.connID)
			}
		}
	}
}
