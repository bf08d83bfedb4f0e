package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/events"
	"github.com/betbot/papertrader/internal/ledger"
)

// captureSink 收集引擎发出的全部事件。
type captureSink struct {
	mu      sync.Mutex
	entries []*events.EntryOpenedEvent
	closes  []*events.PositionClosedEvent
	dcas    []*events.DcaAddedEvent
	snaps   []*events.WalletSnapshotEvent
	warns   []*events.LowBalanceWarningEvent
}

func (c *captureSink) OnEntryOpened(e *events.EntryOpenedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureSink) OnPositionClosed(e *events.PositionClosedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, e)
}

func (c *captureSink) OnDcaAdded(e *events.DcaAddedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dcas = append(c.dcas, e)
}

func (c *captureSink) OnWalletSnapshot(e *events.WalletSnapshotEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, e)
}

func (c *captureSink) OnLowBalanceWarning(e *events.LowBalanceWarningEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warns = append(c.warns, e)
}

func newTestEngine(t *testing.T, bankroll float64, cfg StrategyConfig) (*Engine, *captureSink, *ledger.MemoryLedger) {
	t.Helper()
	sink := &captureSink{}
	store := ledger.NewMemoryLedger()
	eng, err := NewEngine(Options{
		SessionID: "test-session",
		Bankroll:  bankroll,
		Config:    cfg,
		Ledger:    store,
		Sink:      sink,
	})
	require.NoError(t, err)
	return eng, sink, store
}

// tk 第二节中段的 tick（剩余时间充足，无时间缩放影响）。
func tk(seq int64, price int) *domain.Tick {
	return &domain.Tick{Sequence: seq, HomePrice: price, AwayPrice: 100 - price, Period: 2, Clock: "10:00"}
}

func feed(eng *Engine, prices ...int) {
	ctx := context.Background()
	for i, p := range prices {
		eng.HandleTick(ctx, tk(int64(i+1), p))
	}
}

// assertConserved 资金守恒：bankroll + 在途持仓成本 - 已实现盈亏 == 初始拨款 + 追加拨款。
func assertConserved(t *testing.T, eng *Engine) {
	t.Helper()
	var open float64
	if eng.pos != nil {
		open = eng.pos.TotalCost
	}
	assert.InDelta(t, eng.wallet.StartingBankroll+eng.wallet.TopUps,
		eng.wallet.Bankroll+open-eng.wallet.RealizedPnl, 1e-6)
}

func TestEntry_MomentumLong(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng, 50, 50, 59)

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.Equal(t, domain.SideLong, e.Side)
	assert.Equal(t, 59, e.Price)
	assert.Equal(t, 9, e.Momentum)
	// size = 1000*0.5 = 500; contracts = int(500/59*100) = 847
	assert.Equal(t, 847, e.Contracts)
	assert.InDelta(t, 499.73, e.Cost, 1e-9)
	assert.InDelta(t, 500.27, eng.wallet.Bankroll, 1e-9)
	assertConserved(t, eng)
}

func TestEntry_MomentumShort(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng, 60, 60, 50)

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.Equal(t, domain.SideShort, e.Side)
	assert.Equal(t, 50, e.Price)
	require.NotNil(t, eng.pos)
	// short 按 NO 价 (100-50) 成交
	assert.Equal(t, 50, eng.pos.Fills[0].Price)
	assert.InDelta(t, 50.0, eng.pos.AvgEntryPrice, 1e-9)
	assertConserved(t, eng)
}

func TestEntry_RejectedOutsidePriceBand(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng, 80, 80, 92) // 动量 12 但价格出带
	assert.Empty(t, sink.entries)

	eng2, sink2, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng2, 20, 20, 9)
	assert.Empty(t, sink2.entries)
	assert.Nil(t, eng2.pos)
}

func TestEntry_RequiresEnoughHistory(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng, 50, 59) // 只有 2 个观测，lookback=2 需要 3 个
	assert.Empty(t, sink.entries)
	assert.Nil(t, eng.pos)
}

func TestTick_ZeroPriceIgnored(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	ctx := context.Background()
	eng.HandleTick(ctx, tk(1, 50))
	eng.HandleTick(ctx, tk(2, 0)) // 无数据：不推进窗口，也不广播
	eng.HandleTick(ctx, tk(3, 50))
	eng.HandleTick(ctx, tk(4, 59))

	assert.Equal(t, 3, eng.history.Len())
	assert.Len(t, sink.snaps, 3)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, int64(4), sink.entries[0].Sequence)
}

func TestExit_StopLoss(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	// 41,41,50 -> 动量 9，50¢ 开多；54 无动作；42 触及 50-8 止损
	feed(eng, 41, 41, 50, 54, 42)

	require.Len(t, sink.closes, 1)
	c := sink.closes[0]
	assert.Equal(t, domain.ExitReasonStop, c.Reason)
	assert.Equal(t, 50, c.EntryPrice)
	assert.Equal(t, 42, c.ExitPrice)
	assert.Negative(t, c.Pnl)
	assert.Nil(t, eng.pos)
	assert.Equal(t, 1, eng.wallet.Losses)
	assertConserved(t, eng)
}

func TestExit_BreakevenNotLatched(t *testing.T) {
	// 54 时浮盈 4 < 保本触发 5：保本不锁存，回落后按普通止损处理
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng, 41, 41, 50, 54, 47)

	assert.Empty(t, sink.closes) // 47 > 42 止损价，不出场
	require.NotNil(t, eng.pos)
	assert.Equal(t, 54, eng.pos.HighWatermark)
	assert.Equal(t, 47, eng.pos.LowWatermark)
}

func TestExit_ProfitTarget(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng, 41, 41, 50, 66) // 浮盈 16 >= 止盈 15

	require.Len(t, sink.closes, 1)
	c := sink.closes[0]
	assert.Equal(t, domain.ExitReasonProfit, c.Reason)
	assert.Equal(t, 66, c.ExitPrice)
	assert.Positive(t, c.Pnl)
	assert.Equal(t, 1, eng.wallet.Wins)
	assertConserved(t, eng)
}

func TestExit_NoReentrySameTick(t *testing.T) {
	// 66 这个 tick 既触发止盈（浮盈 16），动量 66-41=25 也远超入场门槛。
	// tick 开始时已有持仓，出场后同一 tick 不得在出场价上重建仓位。
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng, 41, 41, 50, 66)

	require.Len(t, sink.closes, 1)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, int64(3), sink.entries[0].Sequence)
	assert.Nil(t, eng.pos)

	// 下一个 tick 起恢复正常入场评估
	eng.HandleTick(context.Background(), tk(5, 75))
	require.Len(t, sink.entries, 2)
	assert.Equal(t, int64(5), sink.entries[1].Sequence)
}

func TestExit_ShortStop(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	// 60,60,50 -> 50¢ 开空；58 触及 50+8 止损
	feed(eng, 60, 60, 50, 58)

	require.Len(t, sink.closes, 1)
	assert.Equal(t, domain.ExitReasonStop, sink.closes[0].Reason)
	assert.Equal(t, domain.SideShort, sink.closes[0].Side)
	assertConserved(t, eng)
}

func dcaConfig() StrategyConfig {
	cfg := DefaultStrategyConfig()
	cfg.PositionSizePct = 0.25
	cfg.Dca = DcaConfig{
		Enabled:          true,
		MaxAdditions:     2,
		TriggerCents:     5,
		SizeMultiplier:   0.75,
		MinTimeRemaining: 300,
		MaxTotalRiskPct:  0.8,
	}
	return cfg
}

func TestDca_GeometricSizing(t *testing.T) {
	eng, sink, store := newTestEngine(t, 1000, dcaConfig())
	// 41,41,50 -> 50¢ 开多（250 美元，500 张）
	feed(eng, 41, 41, 50)
	require.Len(t, sink.entries, 1)
	require.NotNil(t, eng.pos)
	assert.Equal(t, 500, eng.pos.Contracts)

	// 回撤 5¢ 触发第一次加仓：1000*0.25*0.75 = 187.5 美元
	feed2 := func(seq int64, price int) { eng.HandleTick(context.Background(), tk(seq, price)) }
	feed2(4, 45)
	require.Len(t, sink.dcas, 1)
	d1 := sink.dcas[0]
	assert.Equal(t, 416, d1.AddContracts) // int(187.5/45*100)
	assert.InDelta(t, 187.2, d1.AddCost, 1e-9)
	assert.Equal(t, 1, d1.DcaCount)
	// 加权均价 (500*50 + 416*45) / 916 = 47.7292... -> 47.73
	assert.InDelta(t, 47.73, d1.NewAvgEntry, 1e-9)
	assertConserved(t, eng)

	// 第二次加仓：1000*0.25*0.75^2 = 140.625 美元
	feed2(5, 42)
	require.Len(t, sink.dcas, 2)
	d2 := sink.dcas[1]
	assert.Equal(t, 334, d2.AddContracts) // int(140.625/42*100)
	assert.InDelta(t, 140.28, d2.AddCost, 1e-9)
	assert.Equal(t, 2, d2.DcaCount)
	assertConserved(t, eng)

	// 第三次被 max_additions 拦住（39 未触及止损价 38.2）
	feed2(6, 39)
	assert.Len(t, sink.dcas, 2)

	// 账本同步了最新持仓
	trade := store.Trade(eng.pos.TradeID)
	require.NotNil(t, trade)
	assert.Equal(t, eng.pos.Contracts, trade.Contracts)
	assert.Equal(t, 2, trade.DcaCount)
	assert.Len(t, trade.Fills, 3)
}

func TestDca_SkippedByRiskCapAndAffordability(t *testing.T) {
	cfg := dcaConfig()
	cfg.Dca.MaxTotalRiskPct = 0.3 // 入场已用 0.25，第一次加仓必然超限
	eng, sink, _ := newTestEngine(t, 1000, cfg)
	feed(eng, 41, 41, 50, 45)
	assert.Empty(t, sink.dcas)
	require.NotNil(t, eng.pos)
	assert.Equal(t, 0, eng.pos.DcaCount)
}

func TestDca_SkippedWhenLateInGame(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, dcaConfig())
	feed(eng, 41, 41, 50)
	require.NotNil(t, eng.pos)

	// 第四节最后 4 分钟：剩余 240 秒 < 300
	eng.HandleTick(context.Background(), &domain.Tick{Sequence: 4, HomePrice: 45, Period: 4, Clock: "04:00"})
	assert.Empty(t, sink.dcas)
}

func TestDca_ShortAveragesNoPrice(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, dcaConfig())
	// 70,70,60 -> 动量 -10，60¢ 开空（NO 价 40，250 美元 -> 625 张）
	feed(eng, 70, 70, 60)
	require.NotNil(t, eng.pos)
	assert.Equal(t, domain.SideShort, eng.pos.Side)
	assert.Equal(t, 625, eng.pos.Contracts)

	// 空头不利方向是价格上行：66 触发加仓，NO 价 34
	eng.HandleTick(context.Background(), tk(4, 66))
	require.Len(t, sink.dcas, 1)
	d := sink.dcas[0]
	assert.Equal(t, 551, d.AddContracts) // int(187.5/34*100)
	// NO 价加权 (625*40 + 551*34)/1176 = 37.1887... -> 37.19，折回 YES 价 62.81
	assert.InDelta(t, 62.81, eng.pos.AvgEntryPrice, 1e-9)
	assertConserved(t, eng)
}

func contextConfig() StrategyConfig {
	cfg := DefaultStrategyConfig()
	cfg.GameContext.Enabled = true
	return cfg
}

func TestEntry_ContextRejectsLateGame(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, contextConfig())
	ctx := context.Background()
	// 第四节最后 4 分钟：剩余 240 秒 < 300，禁止新开仓
	late := func(seq int64, price int) *domain.Tick {
		return &domain.Tick{Sequence: seq, HomePrice: price, Period: 4, Clock: "04:00"}
	}
	eng.HandleTick(ctx, late(1, 50))
	eng.HandleTick(ctx, late(2, 50))
	eng.HandleTick(ctx, late(3, 59))
	assert.Empty(t, sink.entries)
}

func TestEntry_FadeSentimentRaisesThreshold(t *testing.T) {
	// 开盘主队 70¢（>= fade 阈值 65）：动量门槛 8 -> 10
	eng, sink, _ := newTestEngine(t, 1000, contextConfig())
	feed(eng, 70, 70, 78) // 动量 8，不够 10
	assert.Empty(t, sink.entries)

	eng2, sink2, _ := newTestEngine(t, 1000, contextConfig())
	feed(eng2, 70, 70, 80) // 动量 10
	require.Len(t, sink2.entries, 1)
	assert.Equal(t, 10, sink2.entries[0].Momentum)

	// 开盘 50¢ 为中性：基础门槛即可
	eng3, sink3, _ := newTestEngine(t, 1000, contextConfig())
	feed(eng3, 50, 50, 58)
	require.Len(t, sink3.entries, 1)
}

func TestLowBalanceWarning_EmittedWhileFlat(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 0.5, DefaultStrategyConfig())
	feed(eng, 50, 50, 59)
	assert.Empty(t, sink.entries)
	assert.Len(t, sink.warns, 3) // 每个 tick 一次
	assert.InDelta(t, 0.5, sink.warns[0].Bankroll, 1e-9)
}

func TestConfig_HotSwapBetweenTicks(t *testing.T) {
	eng, sink, _ := newTestEngine(t, 1000, DefaultStrategyConfig())
	feed(eng, 50, 50)

	threshold := 20
	require.NoError(t, eng.ApplyPatch(ConfigPatch{MomentumThreshold: &threshold}))
	feed2 := func(seq int64, price int) { eng.HandleTick(context.Background(), tk(seq, price)) }
	feed2(3, 59) // 动量 9 < 新门槛 20
	assert.Empty(t, sink.entries)

	// 非法补丁被拒绝，旧配置继续生效
	badPct := 2.0
	assert.Error(t, eng.ApplyPatch(ConfigPatch{PositionSizePct: &badPct}))
	assert.Equal(t, 20, eng.Config().MomentumThreshold)
}

func TestStop_ForcesCloseAndReleasesOnce(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	store := ledger.NewMemoryLedger()
	store.SeedUser("u1", 0)
	eng, err := NewEngine(Options{
		SessionID: "s1",
		UserID:    "u1",
		Bankroll:  1000,
		Config:    DefaultStrategyConfig(),
		Ledger:    store,
		Sink:      sink,
	})
	require.NoError(t, err)

	feedEng := func(seq int64, price int) { eng.HandleTick(ctx, tk(seq, price)) }
	feedEng(1, 50)
	feedEng(2, 50)
	feedEng(3, 59) // 开多
	feedEng(4, 61)
	require.NotNil(t, eng.pos)

	require.NoError(t, eng.Stop(ctx, ""))
	require.Len(t, sink.closes, 1)
	assert.Equal(t, domain.ExitReasonBotStopped, sink.closes[0].Reason)
	assert.Equal(t, 61, sink.closes[0].ExitPrice)
	assert.True(t, eng.Stopped())

	released := store.UserBalance("u1")
	assert.Positive(t, released)

	// 幂等：重复 stop 不再平仓、不再划款
	require.NoError(t, eng.Stop(ctx, ""))
	assert.Len(t, sink.closes, 1)
	assert.Equal(t, released, store.UserBalance("u1"))

	var releases int
	for _, j := range store.Journal() {
		if j.Kind == ledger.KindRelease {
			releases++
		}
	}
	assert.Equal(t, 1, releases)

	// stop 之后的 tick 被忽略
	feedEng(5, 70)
	assert.Empty(t, sink.entries[1:])
}

func TestStorageFailure_KeepsInMemoryState(t *testing.T) {
	eng, sink, store := newTestEngine(t, 1000, DefaultStrategyConfig())
	store.FailWith(ledger.ErrStorageUnavailable)

	feed(eng, 50, 50, 59)
	// 落账失败但内存状态照常推进
	require.Len(t, sink.entries, 1)
	require.NotNil(t, eng.pos)
	assertConserved(t, eng)

	store.FailWith(nil)
	eng.HandleTick(context.Background(), tk(4, 75)) // 止盈
	require.Len(t, sink.closes, 1)
	assertConserved(t, eng)
}

func TestWalletConservation_AcrossFullLifecycle(t *testing.T) {
	eng, _, _ := newTestEngine(t, 1000, dcaConfig())
	prices := []int{41, 41, 50, 45, 42, 40, 38, 55, 60, 60, 50, 58, 41, 41, 52, 70}
	ctx := context.Background()
	for i, p := range prices {
		eng.HandleTick(ctx, tk(int64(i+1), p))
		assertConserved(t, eng)
	}
	require.NoError(t, eng.Stop(ctx, ""))
	assert.InDelta(t, eng.wallet.StartingBankroll+eng.wallet.RealizedPnl,
		eng.wallet.Bankroll, 1e-6)
}
