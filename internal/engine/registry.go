package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/events"
	"github.com/betbot/papertrader/internal/ledger"
	"github.com/betbot/papertrader/internal/risk"
)

var regLog = logrus.WithField("module", "registry")

// Registry 活跃会话注册表，按会话 ID 索引。
// 会话的创建/查找/移除都从这里走，引擎内部不持有任何全局状态。
// 会话 goroutine 的生命周期由组装方管理（Registry 不启动 Run）。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store    ledger.Ledger
	sink     events.Sink
	guardCfg risk.GuardConfig
}

// NewRegistry 创建注册表。sink 可为 nil（不广播）。
func NewRegistry(store ledger.Ledger, sink events.Sink, guardCfg risk.GuardConfig) *Registry {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		sink:     sink,
		guardCfg: guardCfg,
	}
}

// CreateParams 新会话参数。
type CreateParams struct {
	SessionID  string // 空则自动生成
	UserID     string // 空则不绑定外部钱包
	GameID     string
	MarketID   string
	Allocation float64
	Config     StrategyConfig
}

// Create 创建新会话：从外部用户余额划拨初始资金、登记会话、构建引擎。
// 外部余额不足时返回 *ledger.InsufficientFundsError，状态不变。
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if p.Allocation <= 0 {
		return nil, fmt.Errorf("初始拨款必须大于 0")
	}
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("策略配置非法: %w", err)
	}
	id := p.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("会话 %s 已存在", id)
	}

	if p.UserID != "" {
		balance, err := r.store.GetExternalUserBalance(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if p.Allocation > balance {
			return nil, &ledger.InsufficientFundsError{Shortfall: p.Allocation - balance}
		}
		if err := r.store.AdjustExternalUserBalance(ctx, p.UserID, -p.Allocation, balance-p.Allocation, ledger.KindAllocation, id, ""); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	if err := r.store.CreateSession(ctx, &ledger.SessionRecord{
		ID:               id,
		UserID:           p.UserID,
		GameID:           p.GameID,
		MarketID:         p.MarketID,
		Status:           "running",
		Bankroll:         p.Allocation,
		StartingBankroll: p.Allocation,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		regLog.WithError(err).Error("登记会话失败")
	}

	eng, err := NewEngine(Options{
		SessionID: id,
		UserID:    p.UserID,
		GameID:    p.GameID,
		MarketID:  p.MarketID,
		Bankroll:  p.Allocation,
		Config:    p.Config,
		Ledger:    r.store,
		Sink:      r.sink,
		Guard:     risk.NewSessionGuard(r.guardCfg),
	})
	if err != nil {
		return nil, err
	}

	sess := NewSession(eng)
	r.sessions[id] = sess
	regLog.Infof("🚀 新建会话 %s: 比赛 %s, 拨款 %.2f", id, p.GameID, p.Allocation)
	return sess, nil
}

// Resume 按账本中的会话记录恢复引擎（进程重启后使用）。
func (r *Registry) Resume(ctx context.Context, sessionID string, cfg StrategyConfig) (*Session, error) {
	rec, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("会话 %s 不存在", sessionID)
	}
	if rec.Status != "running" {
		return nil, fmt.Errorf("会话 %s 已终止，无法恢复", sessionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sessionID]; exists {
		return nil, fmt.Errorf("会话 %s 已在运行", sessionID)
	}

	eng, err := ResumeEngine(ctx, Options{
		SessionID:        sessionID,
		UserID:           rec.UserID,
		GameID:           rec.GameID,
		MarketID:         rec.MarketID,
		Bankroll:         rec.Bankroll,
		StartingBankroll: rec.StartingBankroll,
		Config:           cfg,
		Ledger:           r.store,
		Sink:             r.sink,
		Guard:            risk.NewSessionGuard(r.guardCfg),
	})
	if err != nil {
		return nil, err
	}

	sess := NewSession(eng)
	r.sessions[sessionID] = sess
	regLog.Infof("♻️ 恢复会话 %s: bankroll %.2f", sessionID, rec.Bankroll)
	return sess, nil
}

// Lookup 按 ID 查找活跃会话。
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove 从注册表移除会话（不负责停止）。
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Active 当前活跃会话 ID 列表。
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// StopAll 终止全部会话并清空注册表。
func (r *Registry) StopAll(ctx context.Context, reason domain.ExitReason) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Stop(ctx, reason); err != nil {
			regLog.WithError(err).Warnf("终止会话 %s 失败", s.ID)
		}
	}
}
