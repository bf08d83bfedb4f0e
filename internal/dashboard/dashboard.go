// Package dashboard 终端仪表板。
// 作为 events.Sink 挂在引擎事件链上，把全部会话的钱包与持仓聚合成快照，
// 由 Bubble Tea 渲染；聚合与渲染解耦，事件写入永不阻塞引擎。
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/events"
)

var dashLog = logrus.WithField("module", "dashboard")

// 事件流水保留的最近条数
const eventLogCap = 12

// SessionView 单个会话在面板上的一行。
type SessionView struct {
	ID             string
	Bankroll       float64
	RealizedPnl    float64
	UnrealizedPnl  float64
	TotalValue     float64
	TotalReturnPct float64
	TotalTrades    int
	Wins           int
	Losses         int
	WinRate        float64
	Position       *domain.PositionSnapshot
	LowBalance     bool
	UpdatedAt      time.Time
}

// Snapshot 仪表板快照：全部会话视图加最近事件流水。
type Snapshot struct {
	Sessions []SessionView
	Events   []string
}

// Dashboard 事件聚合器兼 TUI 宿主。
type Dashboard struct {
	mu       sync.Mutex
	sessions map[string]*SessionView
	events   []string

	updateCh chan *Snapshot
}

var _ events.Sink = (*Dashboard)(nil)

func New() *Dashboard {
	return &Dashboard{
		sessions: make(map[string]*SessionView),
		updateCh: make(chan *Snapshot, 1),
	}
}

// Run 启动全屏 TUI，阻塞到退出或 ctx 取消。
func (d *Dashboard) Run(ctx context.Context) error {
	p := tea.NewProgram(newModel(d.updateCh), tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err := p.Run()
	if err != nil {
		dashLog.WithError(err).Error("仪表板退出异常")
	}
	return err
}

func (d *Dashboard) view(sessionID string) *SessionView {
	v, ok := d.sessions[sessionID]
	if !ok {
		v = &SessionView{ID: sessionID}
		d.sessions[sessionID] = v
	}
	return v
}

func (d *Dashboard) logf(format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	d.events = append(d.events, line)
	if len(d.events) > eventLogCap {
		d.events = d.events[len(d.events)-eventLogCap:]
	}
}

// publish 在持锁状态下组装快照并投递，渲染端来不及消费时覆盖旧快照。
func (d *Dashboard) publish() {
	snap := &Snapshot{
		Sessions: make([]SessionView, 0, len(d.sessions)),
		Events:   append([]string(nil), d.events...),
	}
	for _, v := range d.sessions {
		snap.Sessions = append(snap.Sessions, *v)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		return snap.Sessions[i].ID < snap.Sessions[j].ID
	})

	select {
	case d.updateCh <- snap:
	default:
		select {
		case <-d.updateCh:
		default:
		}
		select {
		case d.updateCh <- snap:
		default:
		}
	}
}

// Snapshot 当前聚合状态，仅测试与诊断用。
func (d *Dashboard) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := &Snapshot{Events: append([]string(nil), d.events...)}
	for _, v := range d.sessions {
		snap.Sessions = append(snap.Sessions, *v)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		return snap.Sessions[i].ID < snap.Sessions[j].ID
	})
	return snap
}

func (d *Dashboard) OnEntryOpened(e *events.EntryOpenedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("📈 [%s] 开仓 %s %d¢ x%d ($%.2f)", short(e.SessionID), e.Side, e.Price, e.Contracts, e.Cost)
	d.publish()
}

func (d *Dashboard) OnPositionClosed(e *events.PositionClosedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("📉 [%s] 平仓 %s @%d¢ 盈亏 $%+.2f", short(e.SessionID), e.Reason, e.ExitPrice, e.Pnl)
	d.publish()
}

func (d *Dashboard) OnDcaAdded(e *events.DcaAddedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("➕ [%s] 加仓 #%d @%d¢ x%d 均价 %.2f", short(e.SessionID), e.DcaCount, e.AddPrice, e.AddContracts, e.NewAvgEntry)
	d.publish()
}

func (d *Dashboard) OnWalletSnapshot(e *events.WalletSnapshotEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.view(e.SessionID)
	s := e.Snapshot
	v.Bankroll = s.Bankroll
	v.RealizedPnl = s.RealizedPnl
	v.UnrealizedPnl = s.UnrealizedPnl
	v.TotalValue = s.TotalValue
	v.TotalReturnPct = s.TotalReturnPct
	v.TotalTrades = s.Stats.TotalTrades
	v.Wins = s.Stats.Wins
	v.Losses = s.Stats.Losses
	v.WinRate = s.Stats.WinRate
	v.Position = s.Position
	v.LowBalance = s.Position == nil && s.Bankroll <= 1
	v.UpdatedAt = e.Timestamp
	d.publish()
}

func (d *Dashboard) OnLowBalanceWarning(e *events.LowBalanceWarningEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.view(e.SessionID)
	v.LowBalance = true
	d.logf("⚠️ [%s] 余额不足 $%.2f，无法再开仓", short(e.SessionID), e.Bankroll)
	d.publish()
}

// short 会话 ID 截断显示
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
