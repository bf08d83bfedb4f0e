package risk

import (
	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/gameclock"
)

// MarketSentiment 开盘价隐含的市场情绪
type MarketSentiment string

const (
	// SentimentFade 主队开盘即大热门：顺价格动量追入容易接到回落，入场门槛抬高
	SentimentFade MarketSentiment = "fade"
	// SentimentFollow 默认情绪：跟随动量
	SentimentFollow MarketSentiment = "follow"
)

// ContextConfig 比赛上下文过滤配置
type ContextConfig struct {
	Enabled                   bool    `yaml:"enabled" json:"enabled"`
	PossessionBiasCents       int     `yaml:"possession_bias_cents" json:"possession_bias_cents"`
	ScoreVolatilityMultiplier float64 `yaml:"score_volatility_multiplier" json:"score_volatility_multiplier"`
	FavoriteFadeThreshold     int     `yaml:"favorite_fade_threshold" json:"favorite_fade_threshold"`
	UnderdogSupportThreshold  int     `yaml:"underdog_support_threshold" json:"underdog_support_threshold"`
}

// GameContext 由最新 tick 推导的比赛上下文评分。只用于入场过滤，不影响出场数学。
type GameContext struct {
	TimeRemaining    int
	TimeQuartile     int // 已消耗的比赛四分位：0=第一节 .. 3=第四节
	PossessionFactor float64
	VolatilityFactor float64
	Sentiment        MarketSentiment
}

// Evaluate 计算比赛上下文。pos 可为 nil（入场评估时持仓为空）。
func Evaluate(tick *domain.Tick, pos *domain.Position, opening domain.OpeningPrices, cfg ContextConfig) GameContext {
	remaining := gameclock.TimeRemaining(tick.Period, tick.Clock)

	gc := GameContext{
		TimeRemaining:    remaining,
		TimeQuartile:     quartile(remaining),
		PossessionFactor: 1.0,
		VolatilityFactor: 1.0,
		Sentiment:        SentimentFollow,
	}

	// 持球方与持仓同侧时放大入场权重
	if pos != nil && tick.PossessionTeam != "" {
		heldHome := pos.Side == domain.SideLong
		possessionHome := tick.PossessionTeam == tick.HomeTeamID
		if heldHome == possessionHome {
			gc.PossessionFactor = 1.0 + float64(cfg.PossessionBiasCents)/100.0
		}
	}

	// 比分差决定波动评分：分差巨大进入垃圾时间，波动反而收敛
	absDiff := tick.ScoreDiff
	if absDiff < 0 {
		absDiff = -absDiff
	}
	switch {
	case absDiff > 14:
		gc.VolatilityFactor = 0.9
	case absDiff >= 7:
		gc.VolatilityFactor = cfg.ScoreVolatilityMultiplier
	}

	// 开盘价隐含的热门/冷门分类
	if opening.Captured() {
		if opening.Home >= cfg.FavoriteFadeThreshold {
			gc.Sentiment = SentimentFade
		} else if opening.Home <= cfg.UnderdogSupportThreshold {
			gc.Sentiment = SentimentFollow
		}
	}

	return gc
}

func quartile(remaining int) int {
	elapsed := gameclock.FullGameSeconds - remaining
	q := elapsed / gameclock.PeriodSeconds
	if q > 3 {
		q = 3
	}
	if q < 0 {
		q = 0
	}
	return q
}
