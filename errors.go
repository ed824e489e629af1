package userproxy

import "errors"

var (
	// ErrClientNotFound 未找到客户端连接
	ErrClientNotFound = errors.New("client not found")
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")
	// ErrInvalidFrame 入站帧不是合法的 JSON 对象
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrHandshake 客户端未收到预期的 client_id 消息
	ErrHandshake = errors.New("handshake failed")
)
