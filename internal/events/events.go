// Package events 定义引擎对外广播的事件及其接收端接口。
// 引擎只负责投递，不关心送达：Sink 的实现（websocket 扇出、日志、测试桩）
// 由组装方在构造引擎时注入。
package events

import (
	"time"

	"github.com/betbot/papertrader/internal/domain"
)

// EntryOpenedEvent 开仓事件
type EntryOpenedEvent struct {
	SessionID string      `json:"session_id"`
	Side      domain.Side `json:"side"`
	Price     int         `json:"price"`
	Contracts int         `json:"contracts"`
	Cost      float64     `json:"cost"`
	Momentum  int         `json:"momentum"`
	Bankroll  float64     `json:"bankroll"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
}

// PositionClosedEvent 平仓事件
type PositionClosedEvent struct {
	SessionID  string            `json:"session_id"`
	Side       domain.Side       `json:"side"`
	EntryPrice int               `json:"entry_price"`
	ExitPrice  int               `json:"exit_price"`
	Contracts  int               `json:"contracts"`
	Pnl        float64           `json:"pnl"`
	Reason     domain.ExitReason `json:"reason"`
	Bankroll   float64           `json:"bankroll"`
	Sequence   int64             `json:"sequence"`
	Timestamp  time.Time         `json:"timestamp"`
}

// DcaAddedEvent 加仓（DCA）事件
type DcaAddedEvent struct {
	SessionID      string      `json:"session_id"`
	Side           domain.Side `json:"side"`
	AddPrice       int         `json:"add_price"`
	AddContracts   int         `json:"add_contracts"`
	AddCost        float64     `json:"add_cost"`
	NewAvgEntry    float64     `json:"new_avg_entry"`
	TotalContracts int         `json:"total_contracts"`
	DcaCount       int         `json:"dca_count"`
	Bankroll       float64     `json:"bankroll"`
	TimeRemaining  int         `json:"time_remaining"`
	Timestamp      time.Time   `json:"timestamp"`
}

// WalletSnapshotEvent 每个 tick 处理完后的钱包快照广播
type WalletSnapshotEvent struct {
	SessionID string                `json:"session_id"`
	Snapshot  domain.WalletSnapshot `json:"snapshot"`
	Timestamp time.Time             `json:"timestamp"`
}

// LowBalanceWarningEvent 余额不足提醒（空仓且 bankroll <= 1 时每 tick 一次）
type LowBalanceWarningEvent struct {
	SessionID string    `json:"session_id"`
	Bankroll  float64   `json:"bankroll"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink 事件接收端。实现必须是非阻塞或快速返回的：
// 引擎在单线程 tick 循环内直接调用这些方法。
type Sink interface {
	OnEntryOpened(e *EntryOpenedEvent)
	OnPositionClosed(e *PositionClosedEvent)
	OnDcaAdded(e *DcaAddedEvent)
	OnWalletSnapshot(e *WalletSnapshotEvent)
	OnLowBalanceWarning(e *LowBalanceWarningEvent)
}

// NopSink 丢弃全部事件，用于测试或无广播场景。
type NopSink struct{}

func (NopSink) OnEntryOpened(*EntryOpenedEvent)             {}
func (NopSink) OnPositionClosed(*PositionClosedEvent)       {}
func (NopSink) OnDcaAdded(*DcaAddedEvent)                   {}
func (NopSink) OnWalletSnapshot(*WalletSnapshotEvent)       {}
func (NopSink) OnLowBalanceWarning(*LowBalanceWarningEvent) {}

// MultiSink 把同一事件依次投递给多个接收端。
func MultiSink(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []Sink

func (m multiSink) OnEntryOpened(e *EntryOpenedEvent) {
	for _, s := range m {
		s.OnEntryOpened(e)
	}
}

func (m multiSink) OnPositionClosed(e *PositionClosedEvent) {
	for _, s := range m {
		s.OnPositionClosed(e)
	}
}

func (m multiSink) OnDcaAdded(e *DcaAddedEvent) {
	for _, s := range m {
		s.OnDcaAdded(e)
	}
}

func (m multiSink) OnWalletSnapshot(e *WalletSnapshotEvent) {
	for _, s := range m {
		s.OnWalletSnapshot(e)
	}
}

func (m multiSink) OnLowBalanceWarning(e *LowBalanceWarningEvent) {
	for _, s := range m {
		s.OnLowBalanceWarning(e)
	}
}
