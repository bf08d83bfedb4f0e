package engine

import (
	"fmt"

	"github.com/betbot/papertrader/internal/risk"
)

// DcaConfig 加仓（DCA）参数。
type DcaConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	MaxAdditions     int     `yaml:"max_additions" json:"max_additions"`
	TriggerCents     int     `yaml:"trigger_cents" json:"trigger_cents"`
	SizeMultiplier   float64 `yaml:"size_multiplier" json:"size_multiplier"`
	MinTimeRemaining int     `yaml:"min_time_remaining" json:"min_time_remaining"` // 秒
	MaxTotalRiskPct  float64 `yaml:"max_total_risk_pct" json:"max_total_risk_pct"`
}

// StrategyConfig 策略参数全集。值对象：热更新时整体替换，不做原地修改。
type StrategyConfig struct {
	MomentumThreshold int     `yaml:"momentum_threshold" json:"momentum_threshold"`
	MomentumLookback  int     `yaml:"momentum_lookback" json:"momentum_lookback"` // 回看 tick 数
	InitialStop       int     `yaml:"initial_stop" json:"initial_stop"`           // 分
	ProfitTarget      int     `yaml:"profit_target" json:"profit_target"`         // 分
	BreakevenTrigger  int     `yaml:"breakeven_trigger" json:"breakeven_trigger"` // 分
	PositionSizePct   float64 `yaml:"position_size_pct" json:"position_size_pct"`

	TimeScaling risk.TimeScaling   `yaml:"time_scaling" json:"time_scaling"`
	GameContext risk.ContextConfig `yaml:"game_context" json:"game_context"`
	Dca         DcaConfig          `yaml:"dca" json:"dca"`
}

// DefaultStrategyConfig 默认参数。
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		MomentumThreshold: 8,
		MomentumLookback:  2,
		InitialStop:       8,
		ProfitTarget:      15,
		BreakevenTrigger:  5,
		PositionSizePct:   0.5,
		TimeScaling: risk.TimeScaling{
			Enabled:             false,
			EarlyStopMultiplier: 1.5,
			LateStopMultiplier:  0.6,
			EarlyTargetMult:     1.2,
			LateTargetMult:      0.8,
		},
		GameContext: risk.ContextConfig{
			Enabled:                   false,
			PossessionBiasCents:       3,
			ScoreVolatilityMultiplier: 1.2,
			FavoriteFadeThreshold:     65,
			UnderdogSupportThreshold:  35,
		},
		Dca: DcaConfig{
			Enabled:          false,
			MaxAdditions:     2,
			TriggerCents:     5,
			SizeMultiplier:   0.75,
			MinTimeRemaining: 600,
			MaxTotalRiskPct:  0.8,
		},
	}
}

// Validate 校验参数合法性。
func (c StrategyConfig) Validate() error {
	if c.MomentumThreshold <= 0 {
		return fmt.Errorf("momentum_threshold 必须大于 0")
	}
	if c.MomentumLookback < 1 || c.MomentumLookback > 9 {
		return fmt.Errorf("momentum_lookback 必须在 1-9 之间（价格窗口容量为 10）")
	}
	if c.InitialStop <= 0 {
		return fmt.Errorf("initial_stop 必须大于 0")
	}
	if c.ProfitTarget <= 0 {
		return fmt.Errorf("profit_target 必须大于 0")
	}
	if c.BreakevenTrigger < 0 {
		return fmt.Errorf("breakeven_trigger 不能为负")
	}
	if c.PositionSizePct <= 0 || c.PositionSizePct > 1 {
		return fmt.Errorf("position_size_pct 必须在 (0,1] 之间")
	}
	if c.Dca.Enabled {
		if c.Dca.MaxAdditions < 1 {
			return fmt.Errorf("dca.max_additions 必须大于 0")
		}
		if c.Dca.TriggerCents <= 0 {
			return fmt.Errorf("dca.trigger_cents 必须大于 0")
		}
		if c.Dca.SizeMultiplier <= 0 {
			return fmt.Errorf("dca.size_multiplier 必须大于 0")
		}
		if c.Dca.MaxTotalRiskPct <= 0 {
			return fmt.Errorf("dca.max_total_risk_pct 必须大于 0")
		}
	}
	return nil
}

// ConfigPatch 部分更新：非 nil 字段覆盖现有配置，生成新的配置值。
type ConfigPatch struct {
	MomentumThreshold *int     `json:"momentum_threshold,omitempty"`
	MomentumLookback  *int     `json:"momentum_lookback,omitempty"`
	InitialStop       *int     `json:"initial_stop,omitempty"`
	ProfitTarget      *int     `json:"profit_target,omitempty"`
	BreakevenTrigger  *int     `json:"breakeven_trigger,omitempty"`
	PositionSizePct   *float64 `json:"position_size_pct,omitempty"`

	TimeScaling *risk.TimeScaling   `json:"time_scaling,omitempty"`
	GameContext *risk.ContextConfig `json:"game_context,omitempty"`
	Dca         *DcaConfig          `json:"dca,omitempty"`
}

// Apply 在 base 之上套用补丁，返回新配置（base 不变）。
func (p ConfigPatch) Apply(base StrategyConfig) StrategyConfig {
	out := base
	if p.MomentumThreshold != nil {
		out.MomentumThreshold = *p.MomentumThreshold
	}
	if p.MomentumLookback != nil {
		out.MomentumLookback = *p.MomentumLookback
	}
	if p.InitialStop != nil {
		out.InitialStop = *p.InitialStop
	}
	if p.ProfitTarget != nil {
		out.ProfitTarget = *p.ProfitTarget
	}
	if p.BreakevenTrigger != nil {
		out.BreakevenTrigger = *p.BreakevenTrigger
	}
	if p.PositionSizePct != nil {
		out.PositionSizePct = *p.PositionSizePct
	}
	if p.TimeScaling != nil {
		out.TimeScaling = *p.TimeScaling
	}
	if p.GameContext != nil {
		out.GameContext = *p.GameContext
	}
	if p.Dca != nil {
		out.Dca = *p.Dca
	}
	return out
}
