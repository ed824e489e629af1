package userproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Kind 消息类型，对应线上的 type 字段
type Kind string

const (
	KindClientID Kind = "client_id"
	KindPing     Kind = "ping"
	KindPong     Kind = "pong"
	// KindCommand 同时用于命令与命令结果，二者靠是否携带 success 字段区分
	KindCommand Kind = "command"
	// KindCommandResult 入站兼容别名，出站结果仍使用 command
	KindCommandResult Kind = "command_result"
	KindData    Kind = "data"
	KindError   Kind = "error"
)

// 错误码
const (
	CodeInvalidFormat = "invalid_format"
	CodeUnknownType   = "unknown_type"
	CodeInternalError = "internal_error"
)

// DefaultRequestID 路由失败且原命令未携带 request_id 时使用的占位值
const DefaultRequestID = "unknown"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp 消息时间戳。输出 RFC 3339，输入同时接受不带时区的 ISO-8601
type Timestamp struct {
	time.Time
}

// Now 返回当前时间戳
func Now() Timestamp { return Timestamp{Time: time.Now()} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		t.Time = time.Now()
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// ClientIDMessage 服务端分配身份
type ClientIDMessage struct {
	Type      Kind      `json:"type"`
	ClientID  string    `json:"client_id"`
	Timestamp Timestamp `json:"timestamp"`
}

// NewClientIDMessage 构造身份分配消息
func NewClientIDMessage(clientID string) ClientIDMessage {
	return ClientIDMessage{Type: KindClientID, ClientID: clientID, Timestamp: Now()}
}

// PingPongMessage 存活探测及其回复
type PingPongMessage struct {
	Type      Kind      `json:"type"`
	Timestamp Timestamp `json:"timestamp"`
	ClientID  string    `json:"client_id,omitempty"`
}

// NewPing 构造 ping
func NewPing(clientID string) PingPongMessage {
	return PingPongMessage{Type: KindPing, Timestamp: Now(), ClientID: clientID}
}

// NewPong 构造 pong
func NewPong(clientID string) PingPongMessage {
	return PingPongMessage{Type: KindPong, Timestamp: Now(), ClientID: clientID}
}

// CommandMessage 请求另一个身份执行命令
type CommandMessage struct {
	Type      Kind           `json:"type"`
	ClientID  string         `json:"client_id"`
	Receiver  string         `json:"receiver"`
	Command   string         `json:"command"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
}

// CommandResultMessage 命令执行结果，线上 type 仍为 command
type CommandResultMessage struct {
	Type      Kind           `json:"type"`
	ClientID  string         `json:"client_id"`
	Receiver  string         `json:"receiver"`
	RequestID string         `json:"request_id"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
}

// DataMessage 分片数据传输
type DataMessage struct {
	Type        Kind      `json:"type"`
	ClientID    string    `json:"client_id"`
	Receiver    string    `json:"receiver"`
	Data        string    `json:"data"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	IsFinal     bool      `json:"is_final"`
	Timestamp   Timestamp `json:"timestamp"`
}

// ErrorMessage 向对端报告失败
type ErrorMessage struct {
	Type            Kind            `json:"type"`
	ClientID        string          `json:"client_id,omitempty"`
	Receiver        string          `json:"receiver,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message"`
	Detail          string          `json:"detail,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	Timestamp       Timestamp       `json:"timestamp"`
	OriginalMessage json.RawMessage `json:"original_message,omitempty"`
}

// Frame 一个入站文本帧的解码结果
type Frame struct {
	Kind   Kind
	Fields map[string]json.RawMessage
	Raw    []byte
	// Malformed 为 true 表示帧不是合法的 JSON 对象，此时 Kind 与 Fields 为空
	Malformed bool
	Err       error
}

// DecodeFrame 将原始文本解析为 Frame，不返回错误：解析失败记录在 Malformed/Err 中
func DecodeFrame(raw []byte) *Frame {
	f := &Frame{Raw: raw}
	if !utf8.Valid(raw) {
		f.Malformed = true
		f.Err = fmt.Errorf("%w: not valid UTF-8", ErrInvalidFrame)
		return f
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		f.Malformed = true
		f.Err = fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		return f
	}
	if fields == nil {
		f.Malformed = true
		f.Err = fmt.Errorf("%w: not an object", ErrInvalidFrame)
		return f
	}
	f.Fields = fields
	f.Kind = discriminant(fields)
	return f
}

// discriminant 读取 type 字段，缺失时退回 kind 字段
func discriminant(fields map[string]json.RawMessage) Kind {
	raw, ok := fields["type"]
	if !ok {
		raw, ok = fields["kind"]
	}
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Kind(bytes.TrimSpace(raw))
	}
	return Kind(s)
}

// Has 报告解码后的对象是否包含某字段
func (f *Frame) Has(field string) bool {
	_, ok := f.Fields[field]
	return ok
}

// String 读取字符串字段，缺失或类型不符时返回空串
func (f *Frame) String(field string) string {
	raw, ok := f.Fields[field]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

// Original 返回用于 original_message 的内容：对象原样返回，非法帧包装为 {"raw": ...}
func (f *Frame) Original() json.RawMessage {
	if !f.Malformed {
		return json.RawMessage(f.Raw)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(bytes.ToValidUTF8(f.Raw, []byte("�")))})
	if err != nil {
		return nil
	}
	return wrapped
}
