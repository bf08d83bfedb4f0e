// Package broadcast 把引擎事件扇出到 websocket 订阅端。
// 实现 events.Sink：引擎视角 fire-and-forget，投递失败只丢该订阅端的消息，
// 永远不反压决策线程。
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/papertrader/internal/events"
	"github.com/betbot/papertrader/pkg/sigchan"
)

var hubLog = logrus.WithField("module", "broadcast")

// 单个订阅端允许积压的最大消息数，超过后丢弃最旧的
const clientQueueCap = 256

const writeTimeout = 10 * time.Second

// envelope 对外广播的统一消息壳。
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub websocket 扇出中心。
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
}

var _ events.Sink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler 订阅端接入点。
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			hubLog.WithError(err).Warn("websocket 升级失败")
			return
		}
		c := newClient(conn)

		h.mu.Lock()
		h.clients[c] = struct{}{}
		n := len(h.clients)
		h.mu.Unlock()
		hubLog.Infof("订阅端接入 %s（当前 %d 个）", conn.RemoteAddr(), n)

		go c.writePump()
		go func() {
			c.readUntilClose()
			h.remove(c)
		}()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	hubLog.Infof("订阅端断开（剩余 %d 个）", n)
}

// ClientCount 当前订阅端数量。
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown 断开全部订阅端。
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(msgType string, data any) {
	raw, err := json.Marshal(envelope{Type: msgType, Data: data})
	if err != nil {
		hubLog.WithError(err).Error("事件序列化失败")
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		c.enqueue(raw)
	}
	h.mu.Unlock()
}

// 消息类型与前端约定的 live_bot_* 命名保持一致。
func (h *Hub) OnEntryOpened(e *events.EntryOpenedEvent) { h.broadcast("live_bot_entry", e) }

func (h *Hub) OnPositionClosed(e *events.PositionClosedEvent) { h.broadcast("live_bot_exit", e) }

func (h *Hub) OnDcaAdded(e *events.DcaAddedEvent) { h.broadcast("live_bot_dca", e) }

func (h *Hub) OnWalletSnapshot(e *events.WalletSnapshotEvent) { h.broadcast("live_bot_wallet", e) }

func (h *Hub) OnLowBalanceWarning(e *events.LowBalanceWarningEvent) {
	h.broadcast("live_bot_warning", e)
}

// client 单个订阅端：待发队列加信号踢醒写协程，慢客户端丢最旧消息。
type client struct {
	conn *websocket.Conn

	mu    sync.Mutex
	queue [][]byte

	kick *sigchan.Chan
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		kick: sigchan.New(1),
		done: make(chan struct{}),
	}
}

func (c *client) enqueue(msg []byte) {
	c.mu.Lock()
	if len(c.queue) >= clientQueueCap {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.kick.Emit()
}

func (c *client) takeAll() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.kick.C():
			for _, msg := range c.takeAll() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.close()
					return
				}
			}
		}
	}
}

// readUntilClose 丢弃入站消息，只用读循环感知断开。
func (c *client) readUntilClose() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
