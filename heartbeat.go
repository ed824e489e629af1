package userproxy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iamxvbaba/userproxy/internal/metrics"
)

// Heartbeat 进程级心跳任务：每个周期向注册表中的所有连接发送 ping，
// 发送失败即视为连接已死并将其注销。不跟踪 pong 回复。
//
// 注册表从 0 变为 1 个连接时启动，回到 0 时停止。
type Heartbeat struct {
	interval time.Duration
	registry *Registry
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newHeartbeat(interval time.Duration, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{interval: interval, log: log}
}

// resize 由 Registry 在持锁状态下调用
func (h *Heartbeat) resize(n int) {
	if n > 0 {
		h.Start()
		return
	}
	h.Stop()
}

// Start 启动心跳；已在运行时无操作
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.run(ctx)
	h.log.Debug().Dur("interval", h.interval).Msg("heartbeat started")
}

// Stop 请求停止心跳；未运行时无操作。不等待任务退出
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	h.log.Debug().Msg("heartbeat stopped")
}

// Running 报告心跳是否处于运行状态
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

func (h *Heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

// beat 执行一轮探测。先遍历快照完成全部发送，再统一注销失败的连接
func (h *Heartbeat) beat() []*Conn {
	var dead []*Conn
	for _, c := range h.registry.Snapshot() {
		id, ok := h.registry.IdentityOf(c)
		if !ok {
			continue
		}
		if err := c.Send(NewPing(id)); err != nil {
			h.log.Info().Err(err).Str("client_id", id).Str("session", c.Session()).Msg("heartbeat send failed")
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		if _, ok := h.registry.Unregister(c); ok {
			metrics.HeartbeatEvictions.Inc()
		}
		_ = c.Close()
	}
	metrics.HeartbeatCycles.Inc()
	return dead
}
