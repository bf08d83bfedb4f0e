// Package risk 动态风控参数与比赛上下文评分。
// 止损/止盈距离随比赛剩余时间缩放：上半场用 early 乘数放大波动容忍度，
// 进入下半场后向 late 乘数线性过渡（时间越少仓位越快了结）。
package risk

import (
	"github.com/betbot/papertrader/internal/gameclock"
)

// 动态风控输出边界（分）
const (
	MinStopCents   = 3
	MaxStopCents   = 20
	MinTargetCents = 5
	MaxTargetCents = 30
)

// TimeScaling 时间缩放配置。Enabled=false 时返回基准值。
type TimeScaling struct {
	Enabled             bool    `yaml:"enabled" json:"enabled"`
	EarlyStopMultiplier float64 `yaml:"early_game_stop_multiplier" json:"early_game_stop_multiplier"`
	LateStopMultiplier  float64 `yaml:"late_game_stop_multiplier" json:"late_game_stop_multiplier"`
	EarlyTargetMult     float64 `yaml:"early_game_target_multiplier" json:"early_game_target_multiplier"`
	LateTargetMult      float64 `yaml:"late_game_target_multiplier" json:"late_game_target_multiplier"`
}

// DynamicStop 计算当前止损距离（分），结果始终落在 [3,20]。
func DynamicStop(baseStop int, ts TimeScaling, period int, clock string) int {
	if !ts.Enabled {
		return baseStop
	}
	m := timeMultiplier(ts.EarlyStopMultiplier, ts.LateStopMultiplier, period, clock)
	return clampCents(int(float64(baseStop)*m), MinStopCents, MaxStopCents)
}

// DynamicTarget 计算当前止盈距离（分），结果始终落在 [5,30]。
func DynamicTarget(baseTarget int, ts TimeScaling, period int, clock string) int {
	if !ts.Enabled {
		return baseTarget
	}
	m := timeMultiplier(ts.EarlyTargetMult, ts.LateTargetMult, period, clock)
	return clampCents(int(float64(baseTarget)*m), MinTargetCents, MaxTargetCents)
}

// timeMultiplier 上半场（ratio>=0.5）直接用 early 乘数；
// 下半场从 1.0 向 late 乘数线性插值（ratio=0.5 -> 1.0，ratio=0 -> late）。
func timeMultiplier(earlyMult, lateMult float64, period int, clock string) float64 {
	ratio := gameclock.TimeRatio(period, clock)
	if ratio >= 0.5 {
		return earlyMult
	}
	progress := (0.5 - ratio) / 0.5
	return 1.0 + progress*(lateMult-1.0)
}

func clampCents(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
