package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/papertrader/internal/domain"
)

// ErrSessionClosed 会话已经结束，不再接受新指令。
var ErrSessionClosed = fmt.Errorf("会话已关闭")

// mailboxSize tick 输入队列容量，写满后投递方阻塞形成背压。
const mailboxSize = 256

// task 会话信箱中的一个工作单元。done 为 nil 表示无需等待结果。
type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Session 把 Engine 包成单线程 actor：
// 所有指令（tick、配置更新、拨款、终止）经同一个信箱串行执行，
// 保证同一会话内 tick 严格按到达顺序消费，配置更新只在两个 tick 之间生效。
type Session struct {
	ID  string
	eng *Engine

	mailbox chan task
	done    chan struct{}
	closed  atomic.Bool

	log *logrus.Entry
}

// NewSession 包装引擎为 actor。调用方负责启动 Run。
func NewSession(eng *Engine) *Session {
	return &Session{
		ID:      eng.sessionID,
		eng:     eng,
		mailbox: make(chan task, mailboxSize),
		done:    make(chan struct{}),
		log:     engLog.WithField("session", eng.sessionID),
	}
}

// Run 会话主循环，独占引擎状态。外部 ctx 取消时强制终止并平仓。
// stop 指令作为普通工作单元排队执行（协作式，不抢占正在处理的 tick）。
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.closed.Store(true)
			// 用独立超时上下文收尾，保证取消后仍能落账
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.eng.Stop(stopCtx, domain.ExitReasonBotStopped)
			cancel()
			s.drain()
			return
		case t := <-s.mailbox:
			err := t.fn(ctx)
			if t.done != nil {
				t.done <- err
			}
			if s.eng.Stopped() {
				s.closed.Store(true)
				s.drain()
				return
			}
		}
	}
}

// drain 退出前应答信箱中滞留的同步指令，避免调用方永久阻塞。
func (s *Session) drain() {
	for {
		select {
		case t := <-s.mailbox:
			if t.done != nil {
				t.done <- ErrSessionClosed
			}
		default:
			return
		}
	}
}

// OnTick 投递一个 tick（异步）。队列满时阻塞直到有空位或 ctx 取消。
func (s *Session) OnTick(ctx context.Context, tick *domain.Tick) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	t := task{fn: func(c context.Context) error {
		s.eng.HandleTick(c, tick)
		return nil
	}}
	select {
	case s.mailbox <- t:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit 同步指令：排队执行并等待结果。
func (s *Session) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case s.mailbox <- t:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateConfig 热更新策略配置，在下一个工作单元边界生效。
func (s *Session) UpdateConfig(ctx context.Context, patch ConfigPatch) error {
	return s.submit(ctx, func(context.Context) error {
		return s.eng.ApplyPatch(patch)
	})
}

// TopUp 从外部钱包追加拨款。
func (s *Session) TopUp(ctx context.Context, amount float64) error {
	return s.submit(ctx, func(c context.Context) error {
		return s.eng.TopUp(c, amount)
	})
}

// Snapshot 读取当前钱包快照。
func (s *Session) Snapshot(ctx context.Context) (domain.WalletSnapshot, error) {
	var snap domain.WalletSnapshot
	err := s.submit(ctx, func(context.Context) error {
		snap = s.eng.Wallet()
		return nil
	})
	return snap, err
}

// Stop 终止会话：强制平仓、归还资金、结束主循环。幂等。
func (s *Session) Stop(ctx context.Context, reason domain.ExitReason) error {
	err := s.submit(ctx, func(c context.Context) error {
		return s.eng.Stop(c, reason)
	})
	if err == ErrSessionClosed {
		// 已经停过了，与 Engine.Stop 的幂等语义保持一致
		return nil
	}
	return err
}

// Done 会话主循环结束后关闭。
func (s *Session) Done() <-chan struct{} {
	return s.done
}
