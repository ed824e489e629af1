package userproxy

import (
	"fmt"

	"github.com/iamxvbaba/userproxy/internal/metrics"
)

// handleCommand 命令与命令结果共用 command 类型，靠是否存在 success 字段区分
func (s *Server) handleCommand(c *Conn, req *Request) error {
	if req.Has("success") {
		return s.routeResult(c, req)
	}
	return s.routeCommand(c, req)
}

// routeCommand 将命令原样转发给 receiver。receiver 不在线或转发失败时，
// 向发送方回一条 success=false 的命令结果。
func (s *Server) routeCommand(c *Conn, req *Request) error {
	cmd, err := ParseCommand(req.Frame)
	if err != nil {
		s.replyInvalid(c, req, err)
		return nil
	}
	target, ok := s.registry.Lookup(cmd.Receiver)
	if !ok {
		metrics.RoutingFailures.WithLabelValues("command").Inc()
		s.log.Debug().
			Str("client_id", req.ClientID).
			Str("receiver", cmd.Receiver).
			Str("request_id", cmd.RequestID).
			Msg("command receiver not connected")
		s.reply(c, req, s.commandFailure(req, cmd, fmt.Sprintf("receiver %s is not connected", cmd.Receiver)))
		return nil
	}
	if err := target.SendRaw(req.Raw); err != nil {
		metrics.RoutingFailures.WithLabelValues("command").Inc()
		s.log.Warn().Err(err).
			Str("client_id", req.ClientID).
			Str("receiver", cmd.Receiver).
			Str("request_id", cmd.RequestID).
			Msg("command forward failed")
		s.reply(c, req, s.commandFailure(req, cmd, fmt.Sprintf("failed to deliver command to receiver %s: %v", cmd.Receiver, err)))
		return nil
	}
	metrics.MessagesForwarded.WithLabelValues("command").Inc()
	return nil
}

// routeResult 将命令结果原样转发给 receiver；receiver 不在线时静默丢弃
func (s *Server) routeResult(c *Conn, req *Request) error {
	res, err := ParseCommandResult(req.Frame)
	if err != nil {
		s.replyInvalid(c, req, err)
		return nil
	}
	target, ok := s.registry.Lookup(res.Receiver)
	if !ok {
		metrics.RoutingFailures.WithLabelValues("command_result").Inc()
		s.log.Debug().
			Str("client_id", req.ClientID).
			Str("receiver", res.Receiver).
			Str("request_id", res.RequestID).
			Msg("result receiver not connected, dropped")
		return nil
	}
	if err := target.SendRaw(req.Raw); err != nil {
		metrics.RoutingFailures.WithLabelValues("command_result").Inc()
		s.log.Warn().Err(err).
			Str("client_id", req.ClientID).
			Str("receiver", res.Receiver).
			Str("request_id", res.RequestID).
			Msg("result forward failed, dropped")
		return nil
	}
	metrics.MessagesForwarded.WithLabelValues("command_result").Inc()
	return nil
}

// commandFailure 构造发回原发送方的失败结果
func (s *Server) commandFailure(req *Request, cmd *CommandMessage, reason string) CommandResultMessage {
	receiver := req.ClientID
	if receiver == "" {
		receiver = cmd.ClientID
	}
	requestID := cmd.RequestID
	if requestID == "" {
		requestID = DefaultRequestID
	}
	return CommandResultMessage{
		Type:      KindCommand,
		ClientID:  s.opts.ServerID,
		Receiver:  receiver,
		RequestID: requestID,
		Success:   false,
		Error:     reason,
		Timestamp: Now(),
	}
}
