package dashboard

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type updateMsg struct {
	snapshot *Snapshot
}

type tickMsg time.Time

type model struct {
	snapshot *Snapshot
	updateCh <-chan *Snapshot
	width    int
	height   int
}

func newModel(updateCh <-chan *Snapshot) model {
	return model{
		snapshot: &Snapshot{},
		updateCh: updateCh,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.waitForUpdate(),
		m.tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// Bubble Tea 会拦截 Ctrl+C，使得外层主程序可能收不到 SIGINT。
			// 主动向自己发送一次 SIGINT，确保整套程序能走统一的优雅退出链路。
			_ = syscall.Kill(os.Getpid(), syscall.SIGINT)
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case updateMsg:
		m.snapshot = msg.snapshot
		return m, m.tick()
	case tickMsg:
		return m, tea.Batch(m.waitForUpdate(), m.tick())
	}
	return m, nil
}

func (m model) View() string {
	snap := m.snapshot
	if snap == nil {
		return "等待数据..."
	}

	width := m.width - 4
	if width < 72 {
		width = 72
	}

	header := m.renderHeader(snap)
	sessions := m.renderSessions(snap, width)
	eventLog := m.renderEvents(snap, width)
	return lipgloss.JoinVertical(lipgloss.Left, header, sessions, eventLog)
}

func (m model) renderHeader(snap *Snapshot) string {
	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39")).
		Padding(0, 1)
	return headerStyle.Render(fmt.Sprintf("Paper Trader | Sessions: %d | Time: %s",
		len(snap.Sessions), time.Now().Format("15:04:05")))
}

func (m model) renderSessions(snap *Snapshot, width int) string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	gainStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	lossStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("226"))

	var lines []string
	lines = append(lines, titleStyle.Render("Sessions"))
	lines = append(lines, strings.Repeat("─", width-4))
	if len(snap.Sessions) == 0 {
		lines = append(lines, "暂无会话")
	}
	for _, s := range snap.Sessions {
		pnlStyle := gainStyle
		if s.RealizedPnl+s.UnrealizedPnl < 0 {
			pnlStyle = lossStyle
		}
		head := fmt.Sprintf("%-8s Bankroll:$%8.2f Value:$%8.2f Return:%+6.2f%% Trades:%d W/L:%d/%d (%.0f%%)",
			short(s.ID), s.Bankroll, s.TotalValue, s.TotalReturnPct,
			s.TotalTrades, s.Wins, s.Losses, s.WinRate)
		lines = append(lines, pnlStyle.Render(head))

		if p := s.Position; p != nil {
			posLine := fmt.Sprintf("  持仓 %-5s Avg:%6.2f¢ Now:%3d¢ x%d Cost:$%.2f DCA:%d Unreal:$%+.2f",
				p.Side, p.AvgEntryPrice, p.CurrentPrice, p.Contracts, p.Cost, p.DcaCount, s.UnrealizedPnl)
			lines = append(lines, posLine)
		} else if s.LowBalance {
			lines = append(lines, warnStyle.Render("  ⚠️ 余额不足，等待补仓"))
		} else {
			lines = append(lines, "  空仓")
		}
	}
	content := strings.Join(lines, "\n")
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("39")).
		Padding(0, 1).
		Render(content)
}

func (m model) renderEvents(snap *Snapshot, width int) string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	var lines []string
	lines = append(lines, titleStyle.Render("Events"))
	lines = append(lines, strings.Repeat("─", width-4))
	if len(snap.Events) == 0 {
		lines = append(lines, "-")
	}
	lines = append(lines, snap.Events...)
	content := strings.Join(lines, "\n")
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Render(content)
}

func (m model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		snap := <-m.updateCh
		for {
			select {
			case latest := <-m.updateCh:
				snap = latest
			default:
				return updateMsg{snapshot: snap}
			}
		}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
