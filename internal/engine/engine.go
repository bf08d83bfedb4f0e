// Package engine 模拟盘交易决策引擎。
// 每个会话一个 Engine 实例，持有私有可变状态（持仓、价格窗口、钱包、配置），
// 必须在单一逻辑线程内按到达顺序消费 tick（由 Session 负责串行化）。
// 每个 tick 的处理顺序固定：先出场，再入场，最后 DCA。
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/events"
	"github.com/betbot/papertrader/internal/ledger"
	"github.com/betbot/papertrader/internal/metrics"
	"github.com/betbot/papertrader/internal/risk"
)

var engLog = logrus.WithField("module", "engine")

// Options 引擎构造参数。
type Options struct {
	SessionID string
	UserID    string // 可为空：不绑定外部钱包
	GameID    string
	MarketID  string

	// Bankroll 引擎本地资金。全新会话即为初始拨款；
	// 恢复场景传持久化的当前值，并通过 StartingBankroll 指定原始拨款。
	Bankroll         float64
	StartingBankroll float64 // 0 表示与 Bankroll 相同

	Config StrategyConfig
	Ledger ledger.Ledger
	Sink   events.Sink
	Guard  *risk.SessionGuard // 可为 nil
}

// Engine 决策引擎。非并发安全：所有方法必须由同一逻辑线程调用。
type Engine struct {
	sessionID string
	userID    string

	cfg     StrategyConfig
	wallet  *domain.WalletState
	pos     *domain.Position
	history priceRing
	opening domain.OpeningPrices

	lastPrice int
	lastSeq   int64

	store ledger.Ledger
	sink  events.Sink
	guard *risk.SessionGuard

	stopped bool

	log *logrus.Entry
}

// NewEngine 创建全新会话的引擎（FLAT 状态，资金为初始拨款）。
func NewEngine(opts Options) (*Engine, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("缺少会话 ID")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("缺少账本实现")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("策略配置非法: %w", err)
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.NopSink{}
	}

	starting := opts.StartingBankroll
	if starting <= 0 {
		starting = opts.Bankroll
	}
	wallet := &domain.WalletState{
		Bankroll:         opts.Bankroll,
		StartingBankroll: starting,
	}

	return &Engine{
		sessionID: opts.SessionID,
		userID:    opts.UserID,
		cfg:       opts.Config,
		wallet:    wallet,
		store:     opts.Ledger,
		sink:      sink,
		guard:     opts.Guard,
		log:       engLog.WithField("session", opts.SessionID),
	}, nil
}

// HandleTick 处理一个 tick。价格为 0 视为无数据，整个 tick 被忽略，
// 不推进任何内部状态（包括价格窗口）。
func (e *Engine) HandleTick(ctx context.Context, tick *domain.Tick) {
	if e.stopped || tick == nil {
		return
	}
	if !tick.HasPrice() {
		return
	}

	price := tick.HomePrice
	if !e.opening.Captured() {
		e.opening = domain.OpeningPrices{Home: tick.HomePrice, Away: tick.AwayPrice}
		e.log.Infof("开盘价快照: 主队 %d¢ / 客队 %d¢", e.opening.Home, e.opening.Away)
	}

	e.history.Push(price)
	e.lastPrice = price
	e.lastSeq = tick.Sequence
	metrics.TicksProcessed.Add(1)

	// 固定顺序：出场 -> 入场 -> DCA。
	// tick 开始时已有持仓的，本 tick 不再评估入场：出场与反手重建不共享同一个 tick。
	exited := false
	if e.pos != nil {
		exited = e.evalExit(ctx, tick)
	}
	if e.pos == nil && !exited {
		if e.wallet.Bankroll > 1 {
			e.evalEntry(ctx, tick)
		} else {
			e.sink.OnLowBalanceWarning(&events.LowBalanceWarningEvent{
				SessionID: e.sessionID,
				Bankroll:  e.wallet.Bankroll,
				Timestamp: time.Now(),
			})
		}
	}
	if e.pos != nil && !exited {
		e.evalDca(ctx, tick)
	}

	e.sink.OnWalletSnapshot(&events.WalletSnapshotEvent{
		SessionID: e.sessionID,
		Snapshot:  e.wallet.Snapshot(e.pos, e.lastPrice),
		Timestamp: time.Now(),
	})
}

// ApplyPatch 在当前配置上套用补丁并整体替换。
// 由 Session 串行调度，保证只在两个 tick 之间生效，不会被撕裂观察。
func (e *Engine) ApplyPatch(p ConfigPatch) error {
	next := p.Apply(e.cfg)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("配置更新被拒绝: %w", err)
	}
	e.cfg = next
	e.log.Info("策略配置已热更新")
	return nil
}

// Config 当前生效的配置副本。
func (e *Engine) Config() StrategyConfig {
	return e.cfg
}

// Wallet 当前钱包快照。
func (e *Engine) Wallet() domain.WalletSnapshot {
	return e.wallet.Snapshot(e.pos, e.lastPrice)
}

// PositionView 当前持仓副本，无持仓返回 nil。
func (e *Engine) PositionView() *domain.Position {
	if e.pos == nil {
		return nil
	}
	cp := *e.pos
	cp.Fills = append([]domain.Fill(nil), e.pos.Fills...)
	return &cp
}

// Stopped 引擎是否已终止。
func (e *Engine) Stopped() bool {
	return e.stopped
}

// TopUp 从外部用户钱包追加拨款。余额不足返回 *ledger.InsufficientFundsError，
// 未绑定用户返回 ledger.ErrNoWalletBound；失败时引擎状态不变。
func (e *Engine) TopUp(ctx context.Context, amount float64) error {
	if e.stopped {
		return fmt.Errorf("会话已终止")
	}
	if amount <= 0 {
		return fmt.Errorf("拨款金额必须大于 0")
	}
	if e.userID == "" {
		return ledger.ErrNoWalletBound
	}
	balance, err := e.store.GetExternalUserBalance(ctx, e.userID)
	if err != nil {
		return err
	}
	if amount > balance {
		return &ledger.InsufficientFundsError{Shortfall: amount - balance}
	}
	if err := e.store.AdjustExternalUserBalance(ctx, e.userID, -amount, balance-amount, ledger.KindTopUp, e.sessionID, ""); err != nil {
		return err
	}
	e.wallet.Bankroll += amount
	e.wallet.TopUps += amount
	e.persistBankroll(ctx)
	e.log.Infof("💰 追加拨款 %.2f，当前 bankroll %.2f", amount, e.wallet.Bankroll)
	return nil
}

// Stop 终止会话：强制平掉持仓（按最后观测价），把剩余资金一次性归还外部钱包。
// 幂等：重复调用不再产生任何事件或资金划转。
func (e *Engine) Stop(ctx context.Context, reason domain.ExitReason) error {
	if e.stopped {
		return nil
	}
	e.stopped = true

	if reason == "" {
		reason = domain.ExitReasonBotStopped
	}
	if e.pos != nil && e.lastPrice > 0 {
		e.closePosition(ctx, e.lastPrice, e.lastSeq, reason)
	}

	if e.userID != "" && e.wallet.Bankroll > 0 {
		balance, err := e.store.GetExternalUserBalance(ctx, e.userID)
		if err != nil {
			e.log.WithError(err).Error("查询外部余额失败，剩余资金未归还")
		} else if err := e.store.AdjustExternalUserBalance(ctx, e.userID, e.wallet.Bankroll, balance+e.wallet.Bankroll, ledger.KindRelease, e.sessionID, ""); err != nil {
			e.log.WithError(err).Error("归还剩余资金失败")
		} else {
			e.log.Infof("会话终止，归还剩余资金 %.2f", e.wallet.Bankroll)
			e.wallet.Bankroll = 0
		}
	}
	e.persistBankroll(ctx)
	if err := e.store.UpdateSessionStatus(ctx, e.sessionID, "stopped"); err != nil {
		e.log.WithError(err).Warn("更新会话状态失败")
	}
	return nil
}

// closePosition 平仓结算：回收资金、记盈亏、落账、广播，最后清空持仓。
// 账本写失败只记录，不回滚内存状态。
func (e *Engine) closePosition(ctx context.Context, price int, seq int64, reason domain.ExitReason) {
	pos := e.pos
	proceeds := pos.Proceeds(price)
	pnl := proceeds - pos.TotalCost
	e.wallet.ApplyClose(proceeds, pnl)
	metrics.PositionsClosed.Add(1)
	if e.guard != nil {
		e.guard.AddPnlCents(int64(pnl * 100))
	}

	if err := e.store.RecordTradeClose(ctx, pos.TradeID, price, seq, reason, pnl); err != nil {
		e.onStorageError(err, "写入平仓记录失败")
	} else {
		e.onStorageSuccess()
	}

	// 平仓盈亏记一条外部流水（只记账，不动用户可用余额）
	if e.userID != "" {
		if balance, err := e.store.GetExternalUserBalance(ctx, e.userID); err == nil {
			if err := e.store.AdjustExternalUserBalance(ctx, e.userID, pnl, balance, ledger.KindTradePnl, e.sessionID, pos.TradeID); err != nil {
				e.log.WithError(err).Warn("写入盈亏流水失败")
			}
		}
	}
	e.persistBankroll(ctx)

	e.log.Infof("📉 平仓 %s: 入场 %.1f¢ -> 出场 %d¢, %d 张, PnL %+.2f (%s), bankroll %.2f",
		pos.Side, pos.AvgEntryPrice, price, pos.Contracts, pnl, reason, e.wallet.Bankroll)

	e.sink.OnPositionClosed(&events.PositionClosedEvent{
		SessionID:  e.sessionID,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		Contracts:  pos.Contracts,
		Pnl:        pnl,
		Reason:     reason,
		Bankroll:   e.wallet.Bankroll,
		Sequence:   seq,
		Timestamp:  time.Now(),
	})
	e.pos = nil
}

func (e *Engine) persistBankroll(ctx context.Context) {
	if err := e.store.PersistBankroll(ctx, e.sessionID, e.wallet.Bankroll); err != nil {
		e.onStorageError(err, "持久化 bankroll 失败")
	} else {
		e.onStorageSuccess()
	}
}

func (e *Engine) onStorageError(err error, msg string) {
	e.log.WithError(err).Error(msg)
	metrics.StorageErrors.Add(1)
	if e.guard != nil {
		e.guard.OnStorageError()
	}
}

func (e *Engine) onStorageSuccess() {
	if e.guard != nil {
		e.guard.OnStorageSuccess()
	}
}

// configSnapshotJSON 开仓时记录的参数快照。
func (e *Engine) configSnapshotJSON() string {
	raw, err := json.Marshal(e.cfg)
	if err != nil {
		return ""
	}
	return string(raw)
}

// newTradeID 引擎侧预生成交易 ID：即使开仓落账失败，
// 后续平仓/加仓仍能引用同一 ID，内存状态保持自洽。
func newTradeID() string {
	return uuid.New().String()
}
