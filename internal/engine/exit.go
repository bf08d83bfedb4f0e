package engine

import (
	"context"

	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/risk"
)

// evalExit 出场评估（OPEN -> FLAT）。返回本 tick 是否平仓。
// 盈亏基准统一用加权平均入场价：DCA 加仓后保本点随之移动。
// 保本判定不锁存，每个 tick 按当时的浮动收益重新计算。
func (e *Engine) evalExit(ctx context.Context, tick *domain.Tick) bool {
	pos := e.pos
	price := tick.HomePrice
	pos.UpdateWatermarks(price)

	currentStop := risk.DynamicStop(e.cfg.InitialStop, e.cfg.TimeScaling, tick.Period, tick.Clock)
	currentTarget := risk.DynamicTarget(e.cfg.ProfitTarget, e.cfg.TimeScaling, tick.Period, tick.Clock)
	gain := pos.Gain(price)

	// 保本触发后保护性止损价抬到平均入场价
	var stopPrice float64
	var stopTag domain.ExitReason
	if gain >= float64(e.cfg.BreakevenTrigger) {
		stopPrice = pos.AvgEntryPrice
		stopTag = domain.ExitReasonBreakeven
	} else if pos.Side == domain.SideLong {
		stopPrice = pos.AvgEntryPrice - float64(currentStop)
		stopTag = domain.ExitReasonStop
	} else {
		stopPrice = pos.AvgEntryPrice + float64(currentStop)
		stopTag = domain.ExitReasonStop
	}

	var reason domain.ExitReason
	switch {
	case gain >= float64(currentTarget):
		reason = domain.ExitReasonProfit
	case pos.Side == domain.SideLong && float64(price) <= stopPrice:
		reason = stopTag
	case pos.Side == domain.SideShort && float64(price) >= stopPrice:
		reason = stopTag
	default:
		return false
	}

	e.closePosition(ctx, price, tick.Sequence, reason)
	return true
}
