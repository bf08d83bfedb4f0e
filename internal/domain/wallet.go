package domain

// WalletState 引擎本地钱包。
// StartingBankroll 创建后不再变动（P&L 口径的基准）；追加拨款记录在 TopUps 中。
// 资金守恒：Bankroll + 持仓 TotalCost - RealizedPnl == StartingBankroll + TopUps。
type WalletState struct {
	Bankroll         float64 `json:"bankroll"`
	StartingBankroll float64 `json:"starting_bankroll"`
	TopUps           float64 `json:"top_ups"`
	RealizedPnl      float64 `json:"realized_pnl"`
	TotalTrades      int     `json:"total_trades"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
}

// NewWalletState 创建初始钱包。
func NewWalletState(bankroll float64) *WalletState {
	return &WalletState{
		Bankroll:         bankroll,
		StartingBankroll: bankroll,
	}
}

// ApplyClose 平仓后的钱包结算：回收资金入 bankroll，累计盈亏与胜负。
func (w *WalletState) ApplyClose(proceeds, pnl float64) {
	w.Bankroll += proceeds
	w.RealizedPnl += pnl
	w.TotalTrades++
	if pnl > 0 {
		w.Wins++
	} else if pnl < 0 {
		w.Losses++
	}
}

// WinRate 胜率（百分比）。
func (w *WalletState) WinRate() float64 {
	if w.TotalTrades == 0 {
		return 0
	}
	return float64(w.Wins) / float64(w.TotalTrades) * 100
}

// WalletStats 统计快照
type WalletStats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
}

// PositionSnapshot 持仓快照（无持仓时为 nil）
type PositionSnapshot struct {
	Side          Side    `json:"side"`
	EntryPrice    int     `json:"entry_price"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	Contracts     int     `json:"contracts"`
	Cost          float64 `json:"cost"`
	DcaCount      int     `json:"dca_count"`
	CurrentPrice  int     `json:"current_price"`
}

// WalletSnapshot 每个 tick 处理完毕后对外广播的钱包全景。
type WalletSnapshot struct {
	Bankroll         float64           `json:"bankroll"`
	StartingBankroll float64           `json:"starting_bankroll"`
	PositionValue    float64           `json:"position_value"`
	UnrealizedPnl    float64           `json:"unrealized_pnl"`
	RealizedPnl      float64           `json:"realized_pnl"`
	TotalPnl         float64           `json:"total_pnl"`
	TotalValue       float64           `json:"total_value"`
	TotalReturnPct   float64           `json:"total_return_pct"`
	Position         *PositionSnapshot `json:"position"`
	Stats            WalletStats       `json:"stats"`
}

// Snapshot 计算当前钱包全景。pos 可为 nil；lastPrice 为最近一个有效盘口价。
func (w *WalletState) Snapshot(pos *Position, lastPrice int) WalletSnapshot {
	snap := WalletSnapshot{
		Bankroll:         w.Bankroll,
		StartingBankroll: w.StartingBankroll,
		RealizedPnl:      w.RealizedPnl,
		Stats: WalletStats{
			TotalTrades: w.TotalTrades,
			Wins:        w.Wins,
			Losses:      w.Losses,
			WinRate:     w.WinRate(),
		},
	}
	if pos != nil && lastPrice > 0 {
		snap.PositionValue = pos.MarketValue(lastPrice)
		snap.UnrealizedPnl = snap.PositionValue - pos.TotalCost
		snap.Position = &PositionSnapshot{
			Side:          pos.Side,
			EntryPrice:    pos.EntryPrice,
			AvgEntryPrice: pos.AvgEntryPrice,
			Contracts:     pos.Contracts,
			Cost:          pos.TotalCost,
			DcaCount:      pos.DcaCount,
			CurrentPrice:  lastPrice,
		}
	}
	snap.TotalPnl = snap.RealizedPnl + snap.UnrealizedPnl
	snap.TotalValue = snap.Bankroll + snap.PositionValue
	base := w.StartingBankroll + w.TopUps
	if base > 0 {
		snap.TotalReturnPct = (snap.TotalValue/base - 1) * 100
	}
	return snap
}
