package engine

import (
	"context"

	"github.com/betbot/papertrader/internal/domain"
)

// ResumeEngine 从持久化状态恢复引擎：
//   - 存在未平仓交易时按快照重建持仓（含成交明细与加权均价），不重新计算；
//   - 回放全部已平仓交易重建胜负与累计盈亏；
//   - 持久化快照不完整时尽力推导（成本按张数乘均价补齐），不让会话启动失败。
func ResumeEngine(ctx context.Context, opts Options) (*Engine, error) {
	e, err := NewEngine(opts)
	if err != nil {
		return nil, err
	}

	closed, err := e.store.ClosedTrades(ctx, e.sessionID)
	if err != nil {
		e.log.WithError(err).Warn("回放已平仓交易失败，统计从零开始")
	}
	for _, t := range closed {
		e.wallet.RealizedPnl += t.Pnl
		e.wallet.TotalTrades++
		if t.Pnl > 0 {
			e.wallet.Wins++
		} else if t.Pnl < 0 {
			e.wallet.Losses++
		}
	}

	open, err := e.store.OpenTradeForSession(ctx, e.sessionID)
	if err != nil {
		e.log.WithError(err).Warn("查询未平仓交易失败，按空仓恢复")
		return e, nil
	}
	if open == nil {
		return e, nil
	}
	e.pos = rebuildPosition(open)
	e.log.Infof("恢复持仓 %s: 均价 %.2f¢ x %d 张, 成本 %.2f, DCA %d 次",
		e.pos.Side, e.pos.AvgEntryPrice, e.pos.Contracts, e.pos.TotalCost, e.pos.DcaCount)
	return e, nil
}

// rebuildPosition 按账本快照重建持仓，对不完整字段做尽力推导。
func rebuildPosition(t *domain.TradeRecord) *domain.Position {
	pos := &domain.Position{
		Side:          t.Side,
		EntryPrice:    t.EntryPrice,
		AvgEntryPrice: t.AvgPrice,
		Contracts:     t.Contracts,
		TotalCost:     t.TotalCost,
		HighWatermark: t.EntryPrice,
		LowWatermark:  t.EntryPrice,
		DcaCount:      t.DcaCount,
		Fills:         append([]domain.Fill(nil), t.Fills...),
		TradeID:       t.ID,
		EntrySeq:      t.EntrySeq,
		EntryTime:     t.EntryTime,
	}
	if pos.AvgEntryPrice <= 0 {
		pos.AvgEntryPrice = float64(t.EntryPrice)
	}
	if pos.Contracts <= 0 && len(pos.Fills) > 0 {
		for _, f := range pos.Fills {
			pos.Contracts += f.Contracts
		}
	}
	if pos.TotalCost <= 0 && pos.Contracts > 0 {
		eff := pos.AvgEntryPrice
		if pos.Side == domain.SideShort {
			eff = 100 - pos.AvgEntryPrice
		}
		pos.TotalCost = float64(pos.Contracts) * eff / 100
	}
	if len(pos.Fills) == 0 && pos.Contracts > 0 {
		eff := t.EntryPrice
		if pos.Side == domain.SideShort {
			eff = 100 - t.EntryPrice
		}
		pos.Fills = []domain.Fill{{
			Price:     eff,
			Contracts: pos.Contracts,
			Cost:      pos.TotalCost,
			TickSeq:   t.EntrySeq,
		}}
	}
	return pos
}
