// Package gameclock 把体育比赛的节次+节内时钟换算成全场剩余秒数。
// 下游所有时间感知逻辑（动态风控、DCA 时间窗、入场过滤）都依赖这里，
// 因此该换算必须是纯函数且永不失败。
package gameclock

import (
	"strconv"
	"strings"
)

const (
	// FullGameSeconds 全场总时长（4 节 x 15 分钟）
	FullGameSeconds = 3600
	// PeriodSeconds 单节时长
	PeriodSeconds = 900
	// 时钟文本解析失败时按整节剩余处理
	fallbackClockSeconds = 900
)

// TimeRemaining 返回全场剩余秒数，结果始终落在 [0, 3600]。
//   - period == 0：赛前，返回 3600
//   - period >= 5：已结束，返回 0
//   - 其它：解析 clock（"MM:SS" 或纯秒数），失败时按 900 秒处理
func TimeRemaining(period int, clock string) int {
	if period <= 0 {
		return FullGameSeconds
	}
	if period >= 5 {
		return 0
	}

	clockSeconds := parseClock(clock)
	remaining := (4-period)*PeriodSeconds + clockSeconds
	if remaining < 0 {
		return 0
	}
	if remaining > FullGameSeconds {
		return FullGameSeconds
	}
	return remaining
}

// TimeRatio 剩余时间比例，落在 [0, 1]。
func TimeRatio(period int, clock string) float64 {
	return float64(TimeRemaining(period, clock)) / float64(FullGameSeconds)
}

func parseClock(clock string) int {
	s := strings.ReplaceAll(strings.TrimSpace(clock), " ", "")
	if s == "" {
		return fallbackClockSeconds
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		mins, err := strconv.Atoi(s[:idx])
		if err != nil || mins < 0 {
			return fallbackClockSeconds
		}
		secs := 0
		if rest := s[idx+1:]; rest != "" {
			secs, err = strconv.Atoi(rest)
			if err != nil || secs < 0 {
				return fallbackClockSeconds
			}
		}
		return mins*60 + secs
	}

	// 纯秒数形式，例如 "754"
	secs, err := strconv.Atoi(s)
	if err != nil || secs < 0 {
		return fallbackClockSeconds
	}
	return secs
}
