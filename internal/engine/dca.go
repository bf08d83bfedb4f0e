package engine

import (
	"context"
	"math"
	"time"

	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/events"
	"github.com/betbot/papertrader/internal/gameclock"
	"github.com/betbot/papertrader/internal/metrics"
)

// evalDca 加仓评估（OPEN -> OPEN）。只在本 tick 没有出场时调用。
// 加仓资金按初始拨款的几何递减序列分配：
// startingBankroll * position_size_pct * size_multiplier^(dcaCount+1)。
// 任何一项检查不通过都静默跳过，不是错误。
func (e *Engine) evalDca(ctx context.Context, tick *domain.Tick) {
	cfg := e.cfg.Dca
	pos := e.pos
	if !cfg.Enabled || pos.DcaCount >= cfg.MaxAdditions {
		return
	}

	timeRemaining := gameclock.TimeRemaining(tick.Period, tick.Clock)
	if timeRemaining < cfg.MinTimeRemaining {
		return
	}

	price := tick.HomePrice
	// 不利方向的回撤幅度（分）
	adverse := -pos.Gain(price)
	if adverse < float64(cfg.TriggerCents) {
		return
	}

	additionSize := e.wallet.StartingBankroll * e.cfg.PositionSizePct *
		math.Pow(cfg.SizeMultiplier, float64(pos.DcaCount+1))

	effPrice := pos.EffectivePrice(price)
	if effPrice <= 0 {
		return
	}
	contracts := int(additionSize / float64(effPrice) * 100)
	if contracts < 1 {
		return
	}
	cost := float64(contracts) * float64(effPrice) / 100

	// 总风险上限与可用资金检查
	if pos.TotalCost+cost > e.wallet.StartingBankroll*cfg.MaxTotalRiskPct {
		return
	}
	if cost > e.wallet.Bankroll {
		return
	}

	pos.AddFill(effPrice, contracts, cost, tick.Sequence)
	e.wallet.Bankroll -= cost

	if err := e.store.RecordTradeDcaAddition(ctx, pos.TradeID, pos.AvgEntryPrice,
		pos.Contracts, pos.TotalCost, pos.DcaCount, pos.Fills); err != nil {
		e.onStorageError(err, "写入加仓记录失败")
	} else {
		e.onStorageSuccess()
	}
	e.persistBankroll(ctx)
	metrics.DcaAdditions.Add(1)

	e.log.Infof("➕ DCA 加仓 %s: %d¢ x %d 张, 成本 %.2f, 新均价 %.2f¢, 第 %d 次, bankroll %.2f",
		pos.Side, price, contracts, cost, pos.AvgEntryPrice, pos.DcaCount, e.wallet.Bankroll)

	e.sink.OnDcaAdded(&events.DcaAddedEvent{
		SessionID:      e.sessionID,
		Side:           pos.Side,
		AddPrice:       price,
		AddContracts:   contracts,
		AddCost:        cost,
		NewAvgEntry:    pos.AvgEntryPrice,
		TotalContracts: pos.Contracts,
		DcaCount:       pos.DcaCount,
		Bankroll:       e.wallet.Bankroll,
		TimeRemaining:  timeRemaining,
		Timestamp:      time.Now(),
	})
}
