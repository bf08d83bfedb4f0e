package engine

import (
	"context"
	"time"

	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/events"
	"github.com/betbot/papertrader/internal/metrics"
	"github.com/betbot/papertrader/internal/risk"
)

// entryMinPrice / entryMaxPrice 入场价格带：价格接近 0 或 100 的合约
// 几乎已定胜负，动量信号没有意义。
const (
	entryMinPrice = 10
	entryMaxPrice = 90

	// 比赛临近结束不再开新仓（秒）
	entryMinTimeRemaining = 300

	// 市场情绪为 fade 时动量门槛的加价（分）
	fadeThresholdBump = 2
)

// evalEntry 入场评估（FLAT -> OPEN）。前置条件（bankroll > 1）由调用方保证。
func (e *Engine) evalEntry(ctx context.Context, tick *domain.Tick) {
	price := tick.HomePrice
	if price < entryMinPrice || price > entryMaxPrice {
		return
	}
	if e.history.Len() < e.cfg.MomentumLookback+1 {
		return
	}
	if e.guard != nil {
		if err := e.guard.AllowEntry(); err != nil {
			e.log.WithError(err).Warn("风控闸已触发，跳过入场")
			return
		}
	}

	required := e.cfg.MomentumThreshold
	if e.cfg.GameContext.Enabled {
		gc := risk.Evaluate(tick, nil, e.opening, e.cfg.GameContext)
		if gc.TimeRemaining < entryMinTimeRemaining {
			return
		}
		if gc.Sentiment == risk.SentimentFade {
			// 开盘热门随时被市场回踩，要求更强的动量
			required += fadeThresholdBump
		}
	}

	momentum, ok := e.history.Momentum(e.cfg.MomentumLookback)
	if !ok {
		return
	}

	var side domain.Side
	switch {
	case momentum >= required:
		side = domain.SideLong
	case momentum <= -required:
		side = domain.SideShort
	default:
		return
	}

	effPrice := price
	if side == domain.SideShort {
		effPrice = 100 - price
	}
	size := e.wallet.Bankroll * e.cfg.PositionSizePct
	contracts := int(size / float64(effPrice) * 100)
	if contracts < 1 {
		return
	}
	cost := float64(contracts) * float64(effPrice) / 100

	e.wallet.Bankroll -= cost
	now := time.Now()
	pos := domain.NewPosition(side, price, effPrice, contracts, cost, tick.Sequence, now)
	pos.TradeID = newTradeID()
	e.pos = pos

	if _, err := e.store.RecordTradeOpen(ctx, &domain.TradeRecord{
		ID:             pos.TradeID,
		SessionID:      e.sessionID,
		Side:           side,
		EntryPrice:     price,
		EntrySeq:       tick.Sequence,
		EntryTime:      now,
		Contracts:      contracts,
		TotalCost:      cost,
		AvgPrice:       pos.AvgEntryPrice,
		ConfigSnapshot: e.configSnapshotJSON(),
		Fills:          pos.Fills,
		Status:         domain.TradeStatusOpen,
	}); err != nil {
		e.onStorageError(err, "写入开仓记录失败")
	} else {
		e.onStorageSuccess()
	}
	e.persistBankroll(ctx)
	metrics.EntriesOpened.Add(1)

	e.log.Infof("📈 开仓 %s: %d¢ x %d 张, 成本 %.2f, 动量 %+d, bankroll %.2f",
		side, price, contracts, cost, momentum, e.wallet.Bankroll)

	e.sink.OnEntryOpened(&events.EntryOpenedEvent{
		SessionID: e.sessionID,
		Side:      side,
		Price:     price,
		Contracts: contracts,
		Cost:      cost,
		Momentum:  momentum,
		Bankroll:  e.wallet.Bankroll,
		Sequence:  tick.Sequence,
		Timestamp: now,
	})
}
