package risk

import (
	"fmt"
	"sync/atomic"
)

// ErrGuardOpen 表示风控闸已触发，禁止继续开新仓。
var ErrGuardOpen = fmt.Errorf("session guard open")

// GuardConfig 会话级风控闸配置。
// 约定：阈值 <= 0 表示关闭对应限制（默认全关，不影响决策语义）。
type GuardConfig struct {
	// MaxConsecutiveStorageErrors 账本连续写入失败上限。
	MaxConsecutiveStorageErrors int64 `yaml:"max_consecutive_storage_errors" json:"max_consecutive_storage_errors"`

	// SessionLossLimitCents 单会话最大已实现亏损（分）。达到或超过时熔断新入场。
	SessionLossLimitCents int64 `yaml:"session_loss_limit_cents" json:"session_loss_limit_cents"`
}

// SessionGuard 高频路径使用原子变量，避免在 tick 处理中加锁。
// 熔断只拦截新入场：已有持仓的出场/DCA 评估不受影响。
type SessionGuard struct {
	halted atomic.Bool

	consecutiveErrors atomic.Int64
	realizedPnlCents  atomic.Int64

	maxConsecutiveErrors atomic.Int64
	lossLimitCents       atomic.Int64
}

func NewSessionGuard(cfg GuardConfig) *SessionGuard {
	g := &SessionGuard{}
	g.SetConfig(cfg)
	return g
}

func (g *SessionGuard) SetConfig(cfg GuardConfig) {
	if g == nil {
		return
	}
	g.maxConsecutiveErrors.Store(cfg.MaxConsecutiveStorageErrors)
	g.lossLimitCents.Store(cfg.SessionLossLimitCents)
}

// AllowEntry 快路径检查是否允许开新仓。
func (g *SessionGuard) AllowEntry() error {
	if g == nil {
		return nil
	}
	if g.halted.Load() {
		return ErrGuardOpen
	}

	maxErr := g.maxConsecutiveErrors.Load()
	if maxErr > 0 && g.consecutiveErrors.Load() >= maxErr {
		g.halted.Store(true)
		return ErrGuardOpen
	}

	limit := g.lossLimitCents.Load()
	if limit > 0 && g.realizedPnlCents.Load() <= -limit {
		g.halted.Store(true)
		return ErrGuardOpen
	}
	return nil
}

// OnStorageSuccess 一次账本写入成功后清空连续错误计数。
func (g *SessionGuard) OnStorageSuccess() {
	if g == nil {
		return
	}
	g.consecutiveErrors.Store(0)
}

// OnStorageError 一次账本写入失败后累计连续错误计数。
func (g *SessionGuard) OnStorageError() {
	if g == nil {
		return
	}
	g.consecutiveErrors.Add(1)
}

// AddPnlCents 平仓确认后增量更新会话已实现盈亏（分）。
func (g *SessionGuard) AddPnlCents(delta int64) {
	if g == nil {
		return
	}
	g.realizedPnlCents.Add(delta)
}

// Resume 人工恢复（同时清空连续错误计数）。
func (g *SessionGuard) Resume() {
	if g == nil {
		return
	}
	g.halted.Store(false)
	g.consecutiveErrors.Store(0)
}
