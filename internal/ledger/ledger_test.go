package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/papertrader/internal/domain"
)

func openTrade(session string) *domain.TradeRecord {
	return &domain.TradeRecord{
		SessionID:  session,
		Side:       domain.SideLong,
		EntryPrice: 55,
		EntrySeq:   12,
		EntryTime:  time.Now(),
		Contracts:  100,
		TotalCost:  55.0,
		AvgPrice:   55,
		Status:     domain.TradeStatusOpen,
		Fills:      []domain.Fill{{Price: 55, Contracts: 100, Cost: 55.0, TickSeq: 12}},
	}
}

func TestMemoryLedger_TradeLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	id, err := m.RecordTradeOpen(ctx, openTrade("s1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	open, err := m.OpenTradeForSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, id, open.ID)

	fills := append(open.Fills, domain.Fill{Price: 50, Contracts: 80, Cost: 40.0, TickSeq: 20})
	require.NoError(t, m.RecordTradeDcaAddition(ctx, id, 52.78, 180, 95.0, 1, fills))
	assert.Equal(t, 180, m.Trade(id).Contracts)

	require.NoError(t, m.RecordTradeClose(ctx, id, 61, 30, domain.ExitReasonProfit, 14.8))

	open, err = m.OpenTradeForSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, open)

	closed, err := m.ClosedTrades(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitReasonProfit, closed[0].ExitReason)
	assert.InDelta(t, 14.8, closed[0].Pnl, 1e-9)
	assert.Len(t, closed[0].Fills, 2)
}

func TestMemoryLedger_ExternalBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	m.SeedUser("u1", 500)

	bal, err := m.GetExternalUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 500.0, bal)

	_, err = m.GetExternalUserBalance(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoWalletBound)
	_, err = m.GetExternalUserBalance(ctx, "")
	assert.ErrorIs(t, err, ErrNoWalletBound)

	// 划拨 300 到会话
	require.NoError(t, m.AdjustExternalUserBalance(ctx, "u1", -300, 200, KindAllocation, "s1", ""))
	assert.Equal(t, 200.0, m.UserBalance("u1"))

	// 余额不足：调整后为负
	err = m.AdjustExternalUserBalance(ctx, "u1", -250, -50, KindTopUp, "s1", "")
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.InDelta(t, 50.0, insufficient.Shortfall, 1e-9)
	assert.Equal(t, 200.0, m.UserBalance("u1"))

	// trade_pnl 只记流水不动余额
	require.NoError(t, m.AdjustExternalUserBalance(ctx, "u1", 14.8, 200, KindTradePnl, "s1", "t1"))
	assert.Equal(t, 200.0, m.UserBalance("u1"))

	journal := m.Journal()
	require.Len(t, journal, 2)
	assert.Equal(t, KindAllocation, journal[0].Kind)
	assert.Equal(t, KindTradePnl, journal[1].Kind)
}

func TestMemoryLedger_FailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	m.FailWith(ErrStorageUnavailable)

	_, err := m.RecordTradeOpen(ctx, openTrade("s1"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, m.PersistBankroll(ctx, "s1", 100), ErrStorageUnavailable)

	m.FailWith(nil)
	_, err = m.RecordTradeOpen(ctx, openTrade("s1"))
	assert.NoError(t, err)
}

func TestSQLiteLedger_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	now := time.Now()
	require.NoError(t, l.CreateSession(ctx, &SessionRecord{
		ID: "s1", UserID: "u1", GameID: "g1", MarketID: "m1",
		Status: "running", Bankroll: 1000, StartingBankroll: 1000,
		CreatedAt: now, UpdatedAt: now,
	}))

	id, err := l.RecordTradeOpen(ctx, openTrade("s1"))
	require.NoError(t, err)

	open, err := l.OpenTradeForSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, id, open.ID)
	assert.Equal(t, domain.SideLong, open.Side)
	require.Len(t, open.Fills, 1)
	assert.Equal(t, 55, open.Fills[0].Price)

	require.NoError(t, l.RecordTradeClose(ctx, id, 61, 30, domain.ExitReasonProfit, 6.0))
	require.NoError(t, l.PersistBankroll(ctx, "s1", 1006))
	require.NoError(t, l.UpdateSessionStatus(ctx, "s1", "stopped"))

	open, err = l.OpenTradeForSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, open)

	closed, err := l.ClosedTrades(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 61, closed[0].ExitPrice)
	assert.Equal(t, int64(30), closed[0].ExitSeq)
	assert.Equal(t, domain.ExitReasonProfit, closed[0].ExitReason)
	require.NotNil(t, closed[0].ExitTime)

	// 未登记用户
	_, err = l.GetExternalUserBalance(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoWalletBound)
	assert.ErrorIs(t, l.AdjustExternalUserBalance(ctx, "nobody", -1, 5, KindTopUp, "s1", ""), ErrNoWalletBound)
}

func TestSQLiteLedger_CloseUnknownTradeFails(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	err = l.RecordTradeClose(ctx, "missing", 1, 1, domain.ExitReasonStop, 0)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
