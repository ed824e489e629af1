package userproxy

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iamxvbaba/userproxy/internal/metrics"
)

// Request 交给处理器的一条入站消息
type Request struct {
	*Frame
	// ClientID 连接在处理时绑定的身份；被接管后的旧连接为空
	ClientID string
}

// HandlerFunc 处理一类消息。返回的错误会被转换为发回给该连接的 error 消息
type HandlerFunc func(c *Conn, req *Request) error

// Dispatcher 将每个入站帧交给唯一一个处理器。
// 非法帧、未绑定的类型统一落到 fallback，不存在“找不到处理器”的独立分支。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc
	fallback HandlerFunc
	log      zerolog.Logger
}

func newDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Kind]HandlerFunc),
		log:      log,
	}
}

// On 绑定处理器，同一类型后注册的覆盖先注册的
func (d *Dispatcher) On(kind Kind, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Fallback 设置兜底处理器
func (d *Dispatcher) Fallback(h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// Kinds 返回已绑定处理器的类型，按字典序
func (d *Dispatcher) Kinds() []Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]Kind, 0, len(d.handlers))
	for k := range d.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Dispatch 解码并处理一个帧。处理器的错误或 panic 在此被拦截，不会传回读循环
func (d *Dispatcher) Dispatch(c *Conn, clientID string, raw []byte) {
	req := &Request{Frame: DecodeFrame(raw), ClientID: clientID}
	h, label := d.resolve(req.Frame)
	metrics.FramesReceived.WithLabelValues(label).Inc()
	if h == nil {
		return
	}
	err := invoke(h, c, req)
	if err == nil {
		return
	}
	metrics.HandlerErrors.WithLabelValues(label).Inc()
	d.log.Error().Err(err).
		Str("client_id", clientID).
		Str("session", c.Session()).
		Str("type", label).
		Msg("handler failed")
	reply := ErrorMessage{
		Type:            KindError,
		ClientID:        clientID,
		ErrorCode:       CodeInternalError,
		ErrorMessage:    "failed to handle message",
		Detail:          err.Error(),
		RequestID:       req.String("request_id"),
		Timestamp:       Now(),
		OriginalMessage: req.Original(),
	}
	if err := c.Send(reply); err != nil {
		d.log.Debug().Err(err).Str("client_id", clientID).Msg("error reply not delivered")
	}
}

// resolve 返回处理器及用于指标的类型标签
func (d *Dispatcher) resolve(f *Frame) (HandlerFunc, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if f.Malformed {
		return d.fallback, "malformed"
	}
	if h, ok := d.handlers[f.Kind]; ok {
		return h, string(f.Kind)
	}
	return d.fallback, "unknown"
}

func invoke(h HandlerFunc, c *Conn, req *Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(c, req)
}
