package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/papertrader/internal/domain"
)

var sqliteLog = logrus.WithField("module", "ledger")

// SQLiteLedger 基于 sqlite 的持久化账本。
// 单连接串行访问，所有写操作在同一个 *sql.DB 上排队。
type SQLiteLedger struct {
	db *sql.DB
}

var _ Ledger = (*SQLiteLedger)(nil)

// OpenSQLite 打开（必要时创建）账本数据库并执行建表迁移。
func OpenSQLite(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "创建账本目录失败")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "打开 sqlite 失败")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	sqliteLog.Infof("📒 账本已就绪: %s", path)
	return l, nil
}

// Close 关闭底层数据库。
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  balance REAL NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS game_sessions (
  id TEXT PRIMARY KEY,
  user_id TEXT,
  game_id TEXT NOT NULL,
  market_id TEXT NOT NULL,
  status TEXT NOT NULL,
  bankroll REAL NOT NULL,
  starting_bankroll REAL NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS bot_trades (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES game_sessions(id) ON DELETE CASCADE,
  side TEXT NOT NULL,
  entry_price INTEGER NOT NULL,
  entry_seq INTEGER NOT NULL,
  entry_time TEXT NOT NULL,
  contracts INTEGER NOT NULL,
  total_cost REAL NOT NULL,
  avg_price REAL NOT NULL,
  dca_count INTEGER NOT NULL DEFAULT 0,
  fills_json TEXT NOT NULL,
  config_json TEXT,
  exit_price INTEGER,
  exit_seq INTEGER,
  exit_time TEXT,
  exit_reason TEXT,
  pnl REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_trades_session_status ON bot_trades(session_id, status);`,
		`
CREATE TABLE IF NOT EXISTS wallet_transactions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  session_id TEXT,
  trade_id TEXT,
  kind TEXT NOT NULL,
  delta REAL NOT NULL,
  balance_after REAL NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_tx_user_time ON wallet_transactions(user_id, created_at DESC);`,
	}

	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "账本建表失败")
		}
	}
	return nil
}

// storageErr 把底层数据库错误收敛为 ErrStorageUnavailable，保留上下文。
func storageErr(op string, err error) error {
	return errors.Wrapf(ErrStorageUnavailable, "%s: %v", op, err)
}

func (l *SQLiteLedger) RecordTradeOpen(ctx context.Context, t *domain.TradeRecord) (string, error) {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	fills, err := json.Marshal(t.Fills)
	if err != nil {
		return "", storageErr("序列化成交明细", err)
	}
	_, err = l.db.ExecContext(ctx, `
INSERT INTO bot_trades (id,session_id,side,entry_price,entry_seq,entry_time,contracts,total_cost,avg_price,dca_count,fills_json,config_json,pnl,status)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,0,?)
`, id, t.SessionID, string(t.Side), t.EntryPrice, t.EntrySeq, t.EntryTime.Format(time.RFC3339Nano),
		t.Contracts, t.TotalCost, t.AvgPrice, t.DcaCount, string(fills), t.ConfigSnapshot, string(domain.TradeStatusOpen))
	if err != nil {
		return "", storageErr("写入开仓记录", err)
	}
	return id, nil
}

func (l *SQLiteLedger) RecordTradeClose(ctx context.Context, tradeID string, exitPrice int, exitSeq int64, reason domain.ExitReason, pnl float64) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE bot_trades
SET exit_price=?, exit_seq=?, exit_time=?, exit_reason=?, pnl=?, status=?
WHERE id=?
`, exitPrice, exitSeq, time.Now().Format(time.RFC3339Nano), string(reason), pnl, string(domain.TradeStatusClosed), tradeID)
	if err != nil {
		return storageErr("写入平仓记录", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("写入平仓记录", errors.Errorf("交易 %s 不存在", tradeID))
	}
	return nil
}

func (l *SQLiteLedger) RecordTradeDcaAddition(ctx context.Context, tradeID string, newAvgPrice float64, totalContracts int, totalCost float64, dcaCount int, fills []domain.Fill) error {
	raw, err := json.Marshal(fills)
	if err != nil {
		return storageErr("序列化成交明细", err)
	}
	_, err = l.db.ExecContext(ctx, `
UPDATE bot_trades
SET avg_price=?, contracts=?, total_cost=?, dca_count=?, fills_json=?
WHERE id=?
`, newAvgPrice, totalContracts, totalCost, dcaCount, string(raw), tradeID)
	if err != nil {
		return storageErr("写入加仓记录", err)
	}
	return nil
}

func (l *SQLiteLedger) PersistBankroll(ctx context.Context, sessionID string, bankroll float64) error {
	_, err := l.db.ExecContext(ctx, `
UPDATE game_sessions SET bankroll=?, updated_at=? WHERE id=?
`, bankroll, time.Now().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return storageErr("持久化 bankroll", err)
	}
	return nil
}

// EnsureUser 用户不存在时按初始余额创建，已存在时不动余额。启动引导用。
func (l *SQLiteLedger) EnsureUser(ctx context.Context, userID string, initialBalance float64) error {
	if userID == "" {
		return ErrNoWalletBound
	}
	now := time.Now().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
INSERT INTO users (id, balance, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`, userID, initialBalance, now, now)
	if err != nil {
		return storageErr("创建用户", err)
	}
	return nil
}

func (l *SQLiteLedger) GetExternalUserBalance(ctx context.Context, userID string) (float64, error) {
	if userID == "" {
		return 0, ErrNoWalletBound
	}
	row := l.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id=?`, userID)
	var bal float64
	if err := row.Scan(&bal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNoWalletBound
		}
		return 0, storageErr("查询用户余额", err)
	}
	return bal, nil
}

func (l *SQLiteLedger) AdjustExternalUserBalance(ctx context.Context, userID string, delta, balanceAfter float64, kind EntryKind, sessionID, tradeID string) error {
	if userID == "" {
		return ErrNoWalletBound
	}
	if balanceAfter < 0 {
		return &InsufficientFundsError{Shortfall: -balanceAfter}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("开启事务", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Format(time.RFC3339Nano)
	if kind != KindTradePnl {
		res, err := tx.ExecContext(ctx, `UPDATE users SET balance=?, updated_at=? WHERE id=?`, balanceAfter, now, userID)
		if err != nil {
			return storageErr("更新用户余额", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNoWalletBound
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO wallet_transactions (user_id,session_id,trade_id,kind,delta,balance_after,created_at)
VALUES (?,?,?,?,?,?,?)
`, userID, sessionID, tradeID, string(kind), delta, balanceAfter, now); err != nil {
		return storageErr("写入资金流水", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("提交事务", err)
	}
	return nil
}

func (l *SQLiteLedger) CreateSession(ctx context.Context, s *SessionRecord) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO game_sessions (id,user_id,game_id,market_id,status,bankroll,starting_bankroll,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, s.ID, s.UserID, s.GameID, s.MarketID, s.Status, s.Bankroll, s.StartingBankroll,
		s.CreatedAt.Format(time.RFC3339Nano), s.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("登记会话", err)
	}
	return nil
}

func (l *SQLiteLedger) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := l.db.ExecContext(ctx, `
UPDATE game_sessions SET status=?, updated_at=? WHERE id=?
`, status, time.Now().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return storageErr("更新会话状态", err)
	}
	return nil
}

func (l *SQLiteLedger) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id,user_id,game_id,market_id,status,bankroll,starting_bankroll,created_at,updated_at
FROM game_sessions WHERE id=?
`, sessionID)
	var (
		s                SessionRecord
		userID           sql.NullString
		created, updated string
	)
	if err := row.Scan(&s.ID, &userID, &s.GameID, &s.MarketID, &s.Status, &s.Bankroll, &s.StartingBankroll, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("查询会话", err)
	}
	s.UserID = userID.String
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &s, nil
}

func (l *SQLiteLedger) OpenTradeForSession(ctx context.Context, sessionID string) (*domain.TradeRecord, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id,session_id,side,entry_price,entry_seq,entry_time,contracts,total_cost,avg_price,dca_count,fills_json,pnl,status
FROM bot_trades WHERE session_id=? AND status=? LIMIT 1
`, sessionID, string(domain.TradeStatusOpen))
	t, err := scanTrade(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("查询未平仓交易", err)
	}
	return t, nil
}

func (l *SQLiteLedger) ClosedTrades(ctx context.Context, sessionID string) ([]domain.TradeRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id,session_id,side,entry_price,entry_seq,entry_time,contracts,total_cost,avg_price,dca_count,fills_json,
       exit_price,exit_seq,exit_time,exit_reason,pnl,status
FROM bot_trades WHERE session_id=? AND status=? ORDER BY exit_seq ASC
`, sessionID, string(domain.TradeStatusClosed))
	if err != nil {
		return nil, storageErr("查询已平仓交易", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var (
			t          domain.TradeRecord
			side       string
			entryTime  string
			fillsJSON  string
			exitPrice  sql.NullInt64
			exitSeq    sql.NullInt64
			exitTime   sql.NullString
			exitReason sql.NullString
			status     string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &side, &t.EntryPrice, &t.EntrySeq, &entryTime,
			&t.Contracts, &t.TotalCost, &t.AvgPrice, &t.DcaCount, &fillsJSON,
			&exitPrice, &exitSeq, &exitTime, &exitReason, &t.Pnl, &status); err != nil {
			return nil, storageErr("读取已平仓交易", err)
		}
		t.Side = domain.Side(side)
		t.Status = domain.TradeStatus(status)
		t.EntryTime, _ = time.Parse(time.RFC3339Nano, entryTime)
		_ = json.Unmarshal([]byte(fillsJSON), &t.Fills)
		t.ExitPrice = int(exitPrice.Int64)
		t.ExitSeq = exitSeq.Int64
		if exitTime.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, exitTime.String); err == nil {
				t.ExitTime = &ts
			}
		}
		t.ExitReason = domain.ExitReason(exitReason.String)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("读取已平仓交易", err)
	}
	return out, nil
}

// scanTrade 只读开仓态字段（OpenTradeForSession 用）。
func scanTrade(scan func(dest ...any) error) (*domain.TradeRecord, error) {
	var (
		t         domain.TradeRecord
		side      string
		entryTime string
		fillsJSON string
		status    string
	)
	if err := scan(&t.ID, &t.SessionID, &side, &t.EntryPrice, &t.EntrySeq, &entryTime,
		&t.Contracts, &t.TotalCost, &t.AvgPrice, &t.DcaCount, &fillsJSON, &t.Pnl, &status); err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	t.EntryTime, _ = time.Parse(time.RFC3339Nano, entryTime)
	_ = json.Unmarshal([]byte(fillsJSON), &t.Fills)
	return &t, nil
}
