// Package ledger 钱包账本适配层。
// 引擎通过这里记录开平仓、DCA、资金划转；实现可以是 sqlite 或纯内存。
// 账本调用失败不影响引擎内存状态：内存侧永远是权威，重试策略留给适配器。
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/papertrader/internal/domain"
)

// 账本不可用（底层存储打不开或写入失败）。调用方用 errors.Is 判断。
var ErrStorageUnavailable = errors.New("账本存储不可用")

// ErrNoWalletBound 操作要求绑定外部用户钱包但会话没有绑定。
var ErrNoWalletBound = errors.New("会话未绑定外部钱包")

// InsufficientFundsError 外部用户余额不足，携带缺口金额。
type InsufficientFundsError struct {
	Shortfall float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("外部钱包余额不足，缺口 %.2f 美元", e.Shortfall)
}

// EntryKind 资金流水类型
type EntryKind string

const (
	KindAllocation EntryKind = "allocation" // 创建会话时从用户余额划拨
	KindTopUp      EntryKind = "topup"      // 会话运行中追加拨款
	KindRelease    EntryKind = "release"    // 会话终止归还剩余资金
	KindTradePnl   EntryKind = "trade_pnl"  // 平仓盈亏记账（仅流水，不动可用余额）
)

// SessionRecord 账本中的一个交易会话。
type SessionRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	GameID           string    `json:"game_id"`
	MarketID         string    `json:"market_id"`
	Status           string    `json:"status"` // running | stopped
	Bankroll         float64   `json:"bankroll"`
	StartingBankroll float64   `json:"starting_bankroll"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Ledger 引擎侧可见的账本操作集合。
// 所有方法都可能因存储故障失败（ErrStorageUnavailable）；
// 引擎记录失败并继续，内存状态在下一次成功持久化前保持权威。
type Ledger interface {
	// RecordTradeOpen 写入一笔新开仓，返回交易 ID（t.ID 为空时由实现生成）。
	RecordTradeOpen(ctx context.Context, t *domain.TradeRecord) (string, error)

	// RecordTradeClose 补齐出场字段并把交易标记为 closed。
	RecordTradeClose(ctx context.Context, tradeID string, exitPrice int, exitSeq int64, reason domain.ExitReason, pnl float64) error

	// RecordTradeDcaAddition 一次加仓后刷新持仓字段与成交明细。
	RecordTradeDcaAddition(ctx context.Context, tradeID string, newAvgPrice float64, totalContracts int, totalCost float64, dcaCount int, fills []domain.Fill) error

	// PersistBankroll 持久化会话当前 bankroll。
	PersistBankroll(ctx context.Context, sessionID string, bankroll float64) error

	// GetExternalUserBalance 查询外部用户可用余额。用户不存在返回 ErrNoWalletBound。
	GetExternalUserBalance(ctx context.Context, userID string) (float64, error)

	// AdjustExternalUserBalance 调整外部用户余额并落一条流水。
	// balanceAfter 为调用方预计算的调整后余额；为负时返回 *InsufficientFundsError。
	// kind 为 KindTradePnl 时只记流水，不改可用余额。
	AdjustExternalUserBalance(ctx context.Context, userID string, delta, balanceAfter float64, kind EntryKind, sessionID, tradeID string) error

	// CreateSession 登记一个新会话。
	CreateSession(ctx context.Context, s *SessionRecord) error

	// UpdateSessionStatus 更新会话状态（running/stopped）。
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error

	// GetSession 查询会话记录（不存在时返回 nil, nil）。
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// OpenTradeForSession 查询会话中未平仓的交易（不存在时返回 nil, nil）。
	// 用于进程重启后恢复持仓。
	OpenTradeForSession(ctx context.Context, sessionID string) (*domain.TradeRecord, error)

	// ClosedTrades 按平仓时间升序返回会话内全部已平仓交易。
	// 用于恢复时回放重建胜负与累计盈亏。
	ClosedTrades(ctx context.Context, sessionID string) ([]domain.TradeRecord, error)
}
