package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/events"
)

func TestDashboard_AggregatesWalletSnapshots(t *testing.T) {
	d := New()

	d.OnWalletSnapshot(&events.WalletSnapshotEvent{
		SessionID: "bbb",
		Snapshot: domain.WalletSnapshot{
			Bankroll:      500.27,
			RealizedPnl:   12.5,
			UnrealizedPnl: -3.2,
			TotalValue:    1009.3,
			Position: &domain.PositionSnapshot{
				Side:      domain.SideLong,
				Contracts: 847,
			},
			Stats: domain.WalletStats{TotalTrades: 3, Wins: 2, Losses: 1, WinRate: 66.7},
		},
		Timestamp: time.Now(),
	})
	d.OnWalletSnapshot(&events.WalletSnapshotEvent{
		SessionID: "aaa",
		Snapshot:  domain.WalletSnapshot{Bankroll: 1000},
	})

	snap := d.Snapshot()
	require.Len(t, snap.Sessions, 2)
	// 会话按 ID 排序，输出稳定
	assert.Equal(t, "aaa", snap.Sessions[0].ID)
	assert.Equal(t, "bbb", snap.Sessions[1].ID)
	assert.Equal(t, 500.27, snap.Sessions[1].Bankroll)
	assert.Equal(t, 3, snap.Sessions[1].TotalTrades)
	require.NotNil(t, snap.Sessions[1].Position)
	assert.Equal(t, 847, snap.Sessions[1].Position.Contracts)
	assert.False(t, snap.Sessions[1].LowBalance)
}

func TestDashboard_LowBalanceFlagFollowsWallet(t *testing.T) {
	d := New()
	d.OnLowBalanceWarning(&events.LowBalanceWarningEvent{SessionID: "s1", Bankroll: 0.5})

	snap := d.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.True(t, snap.Sessions[0].LowBalance)

	// 补仓后的钱包快照清掉低余额标记
	d.OnWalletSnapshot(&events.WalletSnapshotEvent{
		SessionID: "s1",
		Snapshot:  domain.WalletSnapshot{Bankroll: 100},
	})
	snap = d.Snapshot()
	assert.False(t, snap.Sessions[0].LowBalance)
}

func TestDashboard_EventLogIsBounded(t *testing.T) {
	d := New()
	for i := 0; i < eventLogCap+5; i++ {
		d.OnEntryOpened(&events.EntryOpenedEvent{SessionID: "s1", Side: domain.SideLong, Price: 50})
	}
	snap := d.Snapshot()
	assert.Len(t, snap.Events, eventLogCap)
}

func TestDashboard_PublishNeverBlocks(t *testing.T) {
	d := New()
	// 无渲染端消费时连续事件不能阻塞
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.OnPositionClosed(&events.PositionClosedEvent{SessionID: "s1", Pnl: 1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish 阻塞")
	}
}
