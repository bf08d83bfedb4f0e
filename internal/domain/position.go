package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "long"  // 买入主队 YES
	SideShort Side = "short" // 买入客队侧（等价于以 100-price 买入 NO）
)

// Fill 一次成交记录（首次入场或 DCA 加仓）。
// Price 统一记录实际支付的一侧价格：long 记 YES 价，short 记 NO 价（100-盘口价）。
type Fill struct {
	Price     int     `json:"price"`    // 成交价（分）
	Contracts int     `json:"contracts"`
	Cost      float64 `json:"cost"` // contracts * price / 100（美元）
	TickSeq   int64   `json:"tick_seq"`
}

// Position 单一持仓（每个引擎同时最多一个）。
// DCA 字段始终存在：DcaCount 默认 0，Fills 至少包含入场一笔。
// 不变量：TotalCost == Σ(fill.Contracts * fill.Price / 100)；Contracts >= 1。
type Position struct {
	Side          Side      `json:"side"`
	EntryPrice    int       `json:"entry_price"`     // 首次成交的盘口 YES 价（分）
	AvgEntryPrice float64   `json:"avg_entry_price"` // 全部成交的加权平均（YES 价口径，分）
	Contracts     int       `json:"contracts"`       // 总持仓张数
	TotalCost     float64   `json:"total_cost"`      // 已投入美元
	HighWatermark int       `json:"high_watermark"`  // 盘口 YES 价最高水位
	LowWatermark  int       `json:"low_watermark"`   // 盘口 YES 价最低水位
	DcaCount      int       `json:"dca_count"`
	Fills         []Fill    `json:"fills"`
	TradeID       string    `json:"trade_id"`
	EntrySeq      int64     `json:"entry_seq"`
	EntryTime     time.Time `json:"entry_time"`
}

// NewPosition 按首次成交创建持仓。price 为盘口 YES 价；effPrice 为实际支付价
// （long 时等于 price，short 时等于 100-price）。水位以盘口价在持有侧播种。
func NewPosition(side Side, price, effPrice, contracts int, cost float64, seq int64, now time.Time) *Position {
	return &Position{
		Side:          side,
		EntryPrice:    price,
		AvgEntryPrice: float64(price),
		Contracts:     contracts,
		TotalCost:     cost,
		HighWatermark: price,
		LowWatermark:  price,
		DcaCount:      0,
		Fills: []Fill{{
			Price:     effPrice,
			Contracts: contracts,
			Cost:      cost,
			TickSeq:   seq,
		}},
		EntrySeq:  seq,
		EntryTime: now,
	}
}

// AddFill 追加一次 DCA 成交并重算加权平均入场价。
// effPrice 为实际支付价（short 为 NO 价）。加权平均用 decimal 计算，
// 最终结果 banker's rounding 保留两位，两侧共用同一条舍入规则，
// 避免 short 侧因中间截断产生与 long 侧不一致的平均价。
func (p *Position) AddFill(effPrice, contracts int, cost float64, seq int64) {
	if contracts <= 0 {
		return
	}
	p.Fills = append(p.Fills, Fill{
		Price:     effPrice,
		Contracts: contracts,
		Cost:      cost,
		TickSeq:   seq,
	})
	p.Contracts += contracts
	p.TotalCost += cost
	p.DcaCount++

	avgPaid := p.weightedFillPrice()
	if p.Side == SideShort {
		// Fills 里记录的是 NO 价，折回 YES 价口径
		p.AvgEntryPrice = 100 - avgPaid
	} else {
		p.AvgEntryPrice = avgPaid
	}
}

// weightedFillPrice 全部成交的按张数加权平均支付价（分）。
func (p *Position) weightedFillPrice() float64 {
	num := decimal.Zero
	den := decimal.Zero
	for _, f := range p.Fills {
		c := decimal.NewFromInt(int64(f.Contracts))
		num = num.Add(decimal.NewFromInt(int64(f.Price)).Mul(c))
		den = den.Add(c)
	}
	if den.IsZero() {
		return 0
	}
	v, _ := num.Div(den).RoundBank(2).Float64()
	return v
}

// UpdateWatermarks 按盘口 YES 价更新水位。
func (p *Position) UpdateWatermarks(price int) {
	if price > p.HighWatermark {
		p.HighWatermark = price
	}
	if price < p.LowWatermark {
		p.LowWatermark = price
	}
}

// Gain 相对加权平均入场价的有利变动（分）。long 为 price-avg，short 为 avg-price。
func (p *Position) Gain(price int) float64 {
	if p.Side == SideShort {
		return p.AvgEntryPrice - float64(price)
	}
	return float64(price) - p.AvgEntryPrice
}

// EffectivePrice 当前盘口价对应的实际支付/回收价（分）。
func (p *Position) EffectivePrice(price int) int {
	if p.Side == SideShort {
		return 100 - price
	}
	return price
}

// Proceeds 以盘口价 price 全部平仓的回收金额（美元）。
func (p *Position) Proceeds(price int) float64 {
	return float64(p.Contracts) * float64(p.EffectivePrice(price)) / 100.0
}

// MarketValue 当前市值（美元），口径同 Proceeds。
func (p *Position) MarketValue(price int) float64 {
	return p.Proceeds(price)
}
