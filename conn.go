package userproxy

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Socket 是 Conn 依赖的双工文本通道，*websocket.Conn 满足该接口
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

var _ Socket = (*websocket.Conn)(nil)

// Conn 封装单个 WebSocket 连接。身份由 Registry 维护，Conn 只负责收发与关闭
type Conn struct {
	ws      Socket
	session string

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closed     chan struct{}
	closedOnce sync.Once
	closeOnce  sync.Once

	// replaced 身份被新连接接管后置位
	replaced atomic.Bool
}

// NewConn 创建连接封装，writeTimeout 为 0 表示发送不设超时
func NewConn(ws Socket, writeTimeout time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		session:      ulid.Make().String(),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Session 返回连接对象自身的标识；接管前后的新旧连接 Session 不同
func (c *Conn) Session() string { return c.session }

// RemoteAddr 返回对端地址
func (c *Conn) RemoteAddr() string {
	if addr := c.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send 以 JSON 文本帧发送
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return c.SendRaw(data)
}

// SendRaw 原样发送一个文本帧
func (c *Conn) SendRaw(data []byte) error {
	if c == nil || c.ws == nil {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(data)
}

func (c *Conn) writeJSONLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return c.writeLocked(data)
}

// writeLocked 调用方必须持有 writeMu
func (c *Conn) writeLocked(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Run 顺序读取帧并交给回调，读出错时返回该错误
func (c *Conn) Run(onFrame func(data []byte)) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.markClosed()
			return err
		}
		onFrame(data)
	}
}

// Close 主动关闭连接，可重复调用
func (c *Conn) Close() error {
	if c == nil || c.ws == nil {
		return nil
	}
	c.markClosed()
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

// Replaced 报告连接的身份是否已被新连接接管
func (c *Conn) Replaced() bool { return c.replaced.Load() }

// Closed 返回关闭通知通道
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// markClosed 安全关闭 closed 通道
func (c *Conn) markClosed() {
	c.closedOnce.Do(func() {
		close(c.closed)
	})
}
