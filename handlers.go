package userproxy

import (
	"fmt"
	"strings"
)

func (s *Server) handlePing(c *Conn, req *Request) error {
	s.reply(c, req, NewPong(req.ClientID))
	return nil
}

func (s *Server) handlePong(_ *Conn, req *Request) error {
	s.log.Debug().Str("client_id", req.ClientID).Msg("pong received")
	return nil
}

// handleData 只做格式校验，不重组、不转发
func (s *Server) handleData(c *Conn, req *Request) error {
	msg, err := ParseData(req.Frame)
	if err != nil {
		s.replyInvalid(c, req, err)
		return nil
	}
	s.log.Debug().
		Str("client_id", req.ClientID).
		Str("receiver", msg.Receiver).
		Int("chunk_index", msg.ChunkIndex).
		Int("total_chunks", msg.TotalChunks).
		Bool("is_final", msg.IsFinal).
		Int("size", len(msg.Data)).
		Msg("data chunk received")
	return nil
}

// handleUnknown 兜底：非法帧或未绑定的类型
func (s *Server) handleUnknown(c *Conn, req *Request) error {
	name := string(req.Kind)
	switch {
	case req.Malformed:
		name = "malformed"
	case name == "":
		name = "unknown"
	}
	kinds := s.dispatcher.Kinds()
	supported := make([]string, len(kinds))
	for i, k := range kinds {
		supported[i] = string(k)
	}
	s.log.Debug().Str("client_id", req.ClientID).Str("type", name).Msg("unsupported message type")
	s.reply(c, req, ErrorMessage{
		Type:            KindError,
		ClientID:        req.ClientID,
		ErrorCode:       CodeUnknownType,
		ErrorMessage:    "unsupported message type",
		Detail:          fmt.Sprintf("undefined message type %q; supported types: %s", name, strings.Join(supported, ", ")),
		Timestamp:       Now(),
		OriginalMessage: req.Original(),
	})
	return nil
}

// replyInvalid 回复格式错误，消息不再继续处理
func (s *Server) replyInvalid(c *Conn, req *Request, err error) {
	s.reply(c, req, ErrorMessage{
		Type:            KindError,
		ClientID:        req.ClientID,
		ErrorCode:       CodeInvalidFormat,
		ErrorMessage:    "invalid message format",
		Detail:          err.Error(),
		RequestID:       req.String("request_id"),
		Timestamp:       Now(),
		OriginalMessage: req.Original(),
	})
}

// reply 向发起请求的连接回复；发送失败只记录，连接的读循环会随之结束
func (s *Server) reply(c *Conn, req *Request, v any) {
	if err := c.Send(v); err != nil {
		s.log.Debug().Err(err).Str("client_id", req.ClientID).Str("session", c.Session()).Msg("reply not delivered")
	}
}
