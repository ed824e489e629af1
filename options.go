package userproxy

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Options 控制心跳、发送超时、自动重连等行为，Server 与 Client 共用
type Options struct {
	// 心跳周期
	HeartbeatInterval time.Duration

	// 单次发送超时，0 表示不设超时
	WriteTimeout time.Duration
	// 单帧最大字节数，负数表示不限制
	ReadLimit int64

	// 服务端自身的身份，用于其合成的命令结果
	ServerID string
	// 为 nil 时接受任意 Origin
	CheckOrigin func(r *http.Request) bool

	Logger *zerolog.Logger

	// 自动重连（仅 Client）
	ReconnectEnabled    bool
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:   20 * time.Second,
		WriteTimeout:        0,
		ReadLimit:           1 << 20,
		ServerID:            "server",
		ReconnectEnabled:    false,
		ReconnectBackoff:    1 * time.Second,
		ReconnectMaxBackoff: 30 * time.Second,
	}
}

// mergeOptions 合并：仅非零值覆盖默认值
func mergeOptions(opts *Options) Options {
	o := DefaultOptions()
	if opts == nil {
		return o
	}
	if opts.HeartbeatInterval > 0 {
		o.HeartbeatInterval = opts.HeartbeatInterval
	}
	if opts.WriteTimeout > 0 {
		o.WriteTimeout = opts.WriteTimeout
	}
	if opts.ReadLimit != 0 {
		o.ReadLimit = opts.ReadLimit
	}
	if opts.ServerID != "" {
		o.ServerID = opts.ServerID
	}
	o.CheckOrigin = opts.CheckOrigin
	o.Logger = opts.Logger
	o.ReconnectEnabled = opts.ReconnectEnabled
	if opts.ReconnectBackoff > 0 {
		o.ReconnectBackoff = opts.ReconnectBackoff
	}
	if opts.ReconnectMaxBackoff > 0 {
		o.ReconnectMaxBackoff = opts.ReconnectMaxBackoff
	}
	return o
}

func (o Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}
