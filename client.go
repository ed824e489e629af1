package userproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client 封装对端行为：获取身份、按类型处理消息、发送命令与结果、断线重连
type Client struct {
	baseURL string
	opts    Options
	log     zerolog.Logger

	mu       sync.RWMutex
	conn     *Conn
	id       string
	handlers map[Kind]func(data []byte)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Dial 连接到 hub 的 /ws 端点并等待 client_id。
// clientID 非空时连接 /ws/{clientID}，由 hub 接管该身份。
func Dial(ctx context.Context, baseURL string, clientID string, opts *Options) (*Client, error) {
	o := mergeOptions(opts)
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		opts:     o,
		log:      o.logger(),
		handlers: make(map[Kind]func([]byte)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	conn, id, err := c.dial(ctx, clientID)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.id = id
	go c.runReadLoop(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context, clientID string) (*Conn, string, error) {
	target := c.baseURL
	if clientID != "" {
		target += "/" + url.PathEscape(clientID)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", target, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	var msg ClientIDMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != KindClientID || msg.ClientID == "" {
		_ = ws.Close()
		return nil, "", fmt.Errorf("%w: unexpected first message %s", ErrHandshake, data)
	}
	return NewConn(ws, c.opts.WriteTimeout), msg.ClientID, nil
}

// ID 返回 hub 分配或确认的身份
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// On 注册消息处理器；命令与命令结果均为 command 类型
func (c *Client) On(kind Kind, handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = handler
}

// Send 代理到当前连接（便于在自动重连时避免使用旧指针）
func (c *Client) Send(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrConnClosed
	}
	return conn.Send(v)
}

// Command 向 receiver 发送命令，返回生成的 request_id
func (c *Client) Command(receiver, command string, data map[string]any) (string, error) {
	requestID := uuid.NewString()
	err := c.Send(CommandMessage{
		Type:      KindCommand,
		ClientID:  c.ID(),
		Receiver:  receiver,
		Command:   command,
		Data:      data,
		Timestamp: Now(),
		RequestID: requestID,
	})
	return requestID, err
}

// Result 回复一条命令结果
func (c *Client) Result(receiver, requestID string, success bool, result map[string]any, errMsg string) error {
	return c.Send(CommandResultMessage{
		Type:      KindCommand,
		ClientID:  c.ID(),
		Receiver:  receiver,
		RequestID: requestID,
		Success:   success,
		Result:    result,
		Error:     errMsg,
		Timestamp: Now(),
	})
}

// Done 在客户端不再有可用连接（已关闭或断开且不重连）时关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) runReadLoop(conn *Conn) {
	err := conn.Run(func(data []byte) { c.handle(conn, data) })
	c.log.Debug().Err(err).Str("client_id", c.ID()).Msg("connection lost")
	_ = conn.Close()

	select {
	case <-c.stop:
		close(c.done)
		return
	default:
	}
	if !c.opts.ReconnectEnabled {
		close(c.done)
		return
	}
	go c.reconnect()
}

func (c *Client) handle(conn *Conn, data []byte) {
	frame := DecodeFrame(data)
	if frame.Malformed {
		c.log.Debug().Err(frame.Err).Msg("malformed frame from hub")
		return
	}
	if frame.Kind == KindPing {
		if err := conn.Send(NewPong(c.ID())); err != nil {
			c.log.Debug().Err(err).Msg("pong not delivered")
		}
	}
	c.mu.RLock()
	handler, ok := c.handlers[frame.Kind]
	c.mu.RUnlock()
	if ok {
		handler(data)
	}
}

// reconnect 按指数退避重连到 /ws/{id}，hub 会将原身份接管到新连接
func (c *Client) reconnect() {
	backoff := c.opts.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stop:
			close(c.done)
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, id, err := c.dial(ctx, c.ID())
		cancel()
		if err != nil {
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			backoff *= 2
			if max := c.opts.ReconnectMaxBackoff; max > 0 && backoff > max {
				backoff = max
			}
			continue
		}

		// 切换连接
		c.mu.Lock()
		c.conn = conn
		c.id = id
		c.mu.Unlock()
		c.log.Info().Str("client_id", id).Int("attempt", attempt).Msg("reconnected")

		select {
		case <-c.stop:
			_ = conn.Close()
			close(c.done)
			return
		default:
		}
		go c.runReadLoop(conn)
		return
	}
}

// Close 停止自动重连并关闭当前连接
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
