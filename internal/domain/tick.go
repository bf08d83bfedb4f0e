package domain

import "time"

// Tick 一次市场+比赛状态观测（由外部 tick producer 归一化后推入）。
// 接收后不可变；Sequence 单调递增，同一会话内严格按序消费。
type Tick struct {
	Sequence       int64     `json:"sequence"`        // 会话内单调递增序号
	HomePrice      int       `json:"home_price"`      // 主队 YES 价格（分，0-100；0 表示无数据）
	AwayPrice      int       `json:"away_price"`      // 客队价格（分，0-100）
	Period         int       `json:"period"`          // 节次：0=赛前，1-4=比赛中，>=5=结束
	Clock          string    `json:"clock"`           // 节内时钟文本（"MM:SS" 或纯秒数）
	ScoreDiff      int       `json:"score_diff"`      // 比分差（主队 - 客队）
	PossessionTeam string    `json:"possession_team"` // 当前持球方 team ID（可为空）
	HomeTeamID     string    `json:"home_team_id"`    // 主队 team ID
	ReceivedAt     time.Time `json:"received_at"`     // 接收时间
}

// HasPrice 价格为 0 视为无数据，该 tick 不参与决策。
func (t *Tick) HasPrice() bool {
	return t != nil && t.HomePrice > 0
}

// OpeningPrices 开盘价快照：会话首个有效 tick 的双边价格。
// 用于判断主队开盘时是热门（favorite）还是冷门（underdog），会话生命周期内不变。
type OpeningPrices struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

// Captured 是否已经捕获过开盘价。
func (o OpeningPrices) Captured() bool {
	return o.Home > 0 || o.Away > 0
}
