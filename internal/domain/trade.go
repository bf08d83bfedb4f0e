package domain

import "time"

// ExitReason 平仓原因
type ExitReason string

const (
	ExitReasonProfit     ExitReason = "PROFIT"      // 到达动态止盈
	ExitReasonStop       ExitReason = "STOP"        // 触发动态止损
	ExitReasonBreakeven  ExitReason = "BREAKEVEN"   // 触发保本止损
	ExitReasonBotStopped ExitReason = "BOT_STOPPED" // 会话终止强制平仓
)

// TradeStatus 交易状态
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

// TradeRecord 账本中的一笔模拟交易。
// Open 时写入，DCA 更新持仓字段，Close 时补齐出场字段。
type TradeRecord struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Side       Side        `json:"side"`
	EntryPrice int         `json:"entry_price"` // 盘口 YES 价（分）
	EntrySeq   int64       `json:"entry_seq"`
	EntryTime  time.Time   `json:"entry_time"`
	Contracts  int         `json:"contracts"`
	TotalCost  float64     `json:"total_cost"`
	AvgPrice   float64     `json:"avg_price"` // YES 价口径加权平均
	DcaCount   int         `json:"dca_count"`
	// ConfigSnapshot 开仓时的策略参数快照（JSON）。
	ConfigSnapshot string `json:"config_snapshot,omitempty"`
	Fills      []Fill      `json:"fills"`
	ExitPrice  int         `json:"exit_price,omitempty"`
	ExitSeq    int64       `json:"exit_seq,omitempty"`
	ExitTime   *time.Time  `json:"exit_time,omitempty"`
	ExitReason ExitReason  `json:"exit_reason,omitempty"`
	Pnl        float64     `json:"pnl"`
	Status     TradeStatus `json:"status"`
}

// IsOpen 交易是否仍在持仓中。
func (t *TradeRecord) IsOpen() bool {
	return t != nil && t.Status == TradeStatusOpen
}
