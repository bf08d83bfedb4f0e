package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/papertrader/internal/domain"
)

// JournalEntry 内存账本的一条资金流水。
type JournalEntry struct {
	UserID       string
	SessionID    string
	TradeID      string
	Kind         EntryKind
	Delta        float64
	BalanceAfter float64
	At           time.Time
}

// MemoryLedger 纯内存账本，测试与无持久化运行场景使用。
// 所有操作在互斥锁内完成，单实例可被多个会话共享。
type MemoryLedger struct {
	mu        sync.Mutex
	users     map[string]float64
	sessions  map[string]*SessionRecord
	trades    map[string]*domain.TradeRecord
	bankrolls map[string]float64
	journal   []JournalEntry

	// 注入故障用：非 nil 时所有写操作返回该错误
	failWith error
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		users:     make(map[string]float64),
		sessions:  make(map[string]*SessionRecord),
		trades:    make(map[string]*domain.TradeRecord),
		bankrolls: make(map[string]float64),
	}
}

// SeedUser 预置外部用户余额。
func (m *MemoryLedger) SeedUser(userID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = balance
}

// FailWith 让后续写操作固定失败，模拟存储不可用。传 nil 恢复。
func (m *MemoryLedger) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryLedger) RecordTradeOpen(_ context.Context, t *domain.TradeRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	cp := *t
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.Status = domain.TradeStatusOpen
	cp.Fills = append([]domain.Fill(nil), t.Fills...)
	m.trades[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryLedger) RecordTradeClose(_ context.Context, tradeID string, exitPrice int, exitSeq int64, reason domain.ExitReason, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	t, ok := m.trades[tradeID]
	if !ok {
		return ErrStorageUnavailable
	}
	now := time.Now()
	t.ExitPrice = exitPrice
	t.ExitSeq = exitSeq
	t.ExitTime = &now
	t.ExitReason = reason
	t.Pnl = pnl
	t.Status = domain.TradeStatusClosed
	return nil
}

func (m *MemoryLedger) RecordTradeDcaAddition(_ context.Context, tradeID string, newAvgPrice float64, totalContracts int, totalCost float64, dcaCount int, fills []domain.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	t, ok := m.trades[tradeID]
	if !ok {
		return ErrStorageUnavailable
	}
	t.AvgPrice = newAvgPrice
	t.Contracts = totalContracts
	t.TotalCost = totalCost
	t.DcaCount = dcaCount
	t.Fills = append([]domain.Fill(nil), fills...)
	return nil
}

func (m *MemoryLedger) PersistBankroll(_ context.Context, sessionID string, bankroll float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.bankrolls[sessionID] = bankroll
	if s, ok := m.sessions[sessionID]; ok {
		s.Bankroll = bankroll
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryLedger) GetExternalUserBalance(_ context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID == "" {
		return 0, ErrNoWalletBound
	}
	bal, ok := m.users[userID]
	if !ok {
		return 0, ErrNoWalletBound
	}
	return bal, nil
}

func (m *MemoryLedger) AdjustExternalUserBalance(_ context.Context, userID string, delta, balanceAfter float64, kind EntryKind, sessionID, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if userID == "" {
		return ErrNoWalletBound
	}
	if balanceAfter < 0 {
		return &InsufficientFundsError{Shortfall: -balanceAfter}
	}
	if kind != KindTradePnl {
		if _, ok := m.users[userID]; !ok {
			return ErrNoWalletBound
		}
		m.users[userID] = balanceAfter
	}
	m.journal = append(m.journal, JournalEntry{
		UserID:       userID,
		SessionID:    sessionID,
		TradeID:      tradeID,
		Kind:         kind,
		Delta:        delta,
		BalanceAfter: balanceAfter,
		At:           time.Now(),
	})
	return nil
}

func (m *MemoryLedger) CreateSession(_ context.Context, s *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *s
	m.sessions[cp.ID] = &cp
	return nil
}

func (m *MemoryLedger) UpdateSessionStatus(_ context.Context, sessionID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if s, ok := m.sessions[sessionID]; ok {
		s.Status = status
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryLedger) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryLedger) OpenTradeForSession(_ context.Context, sessionID string) (*domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.SessionID == sessionID && t.Status == domain.TradeStatusOpen {
			cp := *t
			cp.Fills = append([]domain.Fill(nil), t.Fills...)
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryLedger) ClosedTrades(_ context.Context, sessionID string) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TradeRecord
	for _, t := range m.trades {
		if t.SessionID == sessionID && t.Status == domain.TradeStatusClosed {
			cp := *t
			cp.Fills = append([]domain.Fill(nil), t.Fills...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitSeq < out[j].ExitSeq })
	return out, nil
}

// Journal 返回流水副本（测试用）。
func (m *MemoryLedger) Journal() []JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JournalEntry(nil), m.journal...)
}

// Trade 按 ID 取交易副本（测试用），不存在返回 nil。
func (m *MemoryLedger) Trade(tradeID string) *domain.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[tradeID]
	if !ok {
		return nil
	}
	cp := *t
	cp.Fills = append([]domain.Fill(nil), t.Fills...)
	return &cp
}

// UserBalance 当前用户余额（测试用）。
func (m *MemoryLedger) UserBalance(userID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID]
}

// Bankroll 最近一次持久化的会话 bankroll（测试用）。
func (m *MemoryLedger) Bankroll(sessionID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bankrolls[sessionID]
}
