package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/betbot/papertrader/internal/domain"
)

func ctxCfg() ContextConfig {
	return ContextConfig{
		Enabled:                   true,
		PossessionBiasCents:       3,
		ScoreVolatilityMultiplier: 1.2,
		FavoriteFadeThreshold:     65,
		UnderdogSupportThreshold:  35,
	}
}

func TestEvaluate_Defaults(t *testing.T) {
	tick := &domain.Tick{Period: 1, Clock: "10:00", ScoreDiff: 3}
	gc := Evaluate(tick, nil, domain.OpeningPrices{}, ctxCfg())
	assert.Equal(t, 1.0, gc.PossessionFactor)
	assert.Equal(t, 1.0, gc.VolatilityFactor)
	assert.Equal(t, SentimentFollow, gc.Sentiment)
	assert.Equal(t, 0, gc.TimeQuartile)
}

func TestEvaluate_PossessionFavorsHeldSide(t *testing.T) {
	tick := &domain.Tick{Period: 2, Clock: "05:00", PossessionTeam: "DAL", HomeTeamID: "DAL"}
	long := &domain.Position{Side: domain.SideLong}
	short := &domain.Position{Side: domain.SideShort}

	assert.InDelta(t, 1.03, Evaluate(tick, long, domain.OpeningPrices{}, ctxCfg()).PossessionFactor, 1e-9)
	assert.Equal(t, 1.0, Evaluate(tick, short, domain.OpeningPrices{}, ctxCfg()).PossessionFactor)

	// 客队持球时 short 侧受益
	tick.PossessionTeam = "NYG"
	assert.InDelta(t, 1.03, Evaluate(tick, short, domain.OpeningPrices{}, ctxCfg()).PossessionFactor, 1e-9)
}

func TestEvaluate_VolatilityByScoreDiff(t *testing.T) {
	cfg := ctxCfg()
	mk := func(diff int) GameContext {
		return Evaluate(&domain.Tick{Period: 3, Clock: "08:00", ScoreDiff: diff}, nil, domain.OpeningPrices{}, cfg)
	}
	assert.Equal(t, 1.0, mk(6).VolatilityFactor)
	assert.Equal(t, 1.2, mk(7).VolatilityFactor)
	assert.Equal(t, 1.2, mk(-14).VolatilityFactor)
	// 垃圾时间
	assert.Equal(t, 0.9, mk(21).VolatilityFactor)
}

func TestEvaluate_SentimentFromOpeningPrices(t *testing.T) {
	cfg := ctxCfg()
	tick := &domain.Tick{Period: 1, Clock: "12:00"}
	assert.Equal(t, SentimentFade, Evaluate(tick, nil, domain.OpeningPrices{Home: 70, Away: 30}, cfg).Sentiment)
	assert.Equal(t, SentimentFollow, Evaluate(tick, nil, domain.OpeningPrices{Home: 30, Away: 70}, cfg).Sentiment)
	assert.Equal(t, SentimentFollow, Evaluate(tick, nil, domain.OpeningPrices{Home: 50, Away: 50}, cfg).Sentiment)
}

func TestEvaluate_TimeQuartile(t *testing.T) {
	mk := func(period int, clock string) int {
		return Evaluate(&domain.Tick{Period: period, Clock: clock}, nil, domain.OpeningPrices{}, ctxCfg()).TimeQuartile
	}
	assert.Equal(t, 0, mk(0, ""))       // 赛前
	assert.Equal(t, 1, mk(2, "15:00"))  // 第二节初（剩 2700）
	assert.Equal(t, 3, mk(4, "10:00"))  // 第四节
	assert.Equal(t, 3, mk(5, ""))       // 终场
}

func TestSessionGuard(t *testing.T) {
	g := NewSessionGuard(GuardConfig{MaxConsecutiveStorageErrors: 3, SessionLossLimitCents: 500})
	assert.NoError(t, g.AllowEntry())

	g.OnStorageError()
	g.OnStorageError()
	assert.NoError(t, g.AllowEntry())
	g.OnStorageSuccess()
	g.OnStorageError()
	g.OnStorageError()
	g.OnStorageError()
	assert.ErrorIs(t, g.AllowEntry(), ErrGuardOpen)

	g.Resume()
	assert.NoError(t, g.AllowEntry())

	g.AddPnlCents(-499)
	assert.NoError(t, g.AllowEntry())
	g.AddPnlCents(-1)
	assert.ErrorIs(t, g.AllowEntry(), ErrGuardOpen)
}

func TestSessionGuard_DisabledByDefault(t *testing.T) {
	g := NewSessionGuard(GuardConfig{})
	for i := 0; i < 100; i++ {
		g.OnStorageError()
	}
	g.AddPnlCents(-1_000_000)
	assert.NoError(t, g.AllowEntry())
}
