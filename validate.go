package userproxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ValidationError 消息字段不满足对应类型的约束
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s message: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s message: field %q %s", e.Kind, e.Field, e.Reason)
}

// ParseCommand 按命令格式校验并解码
func ParseCommand(f *Frame) (*CommandMessage, error) {
	if err := requireFields(f, KindCommand, "client_id", "receiver", "command"); err != nil {
		return nil, err
	}
	var msg CommandMessage
	if err := decodeInto(f, KindCommand, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseCommandResult 按命令结果格式校验并解码
func ParseCommandResult(f *Frame) (*CommandResultMessage, error) {
	if err := requireFields(f, KindCommand, "client_id", "receiver", "request_id", "success"); err != nil {
		return nil, err
	}
	var msg CommandResultMessage
	if err := decodeInto(f, KindCommand, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseData 按数据分片格式校验并解码
func ParseData(f *Frame) (*DataMessage, error) {
	err := requireFields(f, KindData, "client_id", "receiver", "data", "chunk_index", "total_chunks", "is_final")
	if err != nil {
		return nil, err
	}
	var msg DataMessage
	if err := decodeInto(f, KindData, &msg); err != nil {
		return nil, err
	}
	switch {
	case msg.TotalChunks < 1:
		return nil, &ValidationError{Kind: KindData, Field: "total_chunks", Reason: "must be at least 1"}
	case msg.ChunkIndex < 0:
		return nil, &ValidationError{Kind: KindData, Field: "chunk_index", Reason: "must not be negative"}
	case msg.ChunkIndex >= msg.TotalChunks:
		return nil, &ValidationError{Kind: KindData, Field: "chunk_index",
			Reason: fmt.Sprintf("must be less than total_chunks (%d)", msg.TotalChunks)}
	}
	return &msg, nil
}

func requireFields(f *Frame, kind Kind, names ...string) error {
	for _, name := range names {
		raw, ok := f.Fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return &ValidationError{Kind: kind, Field: name, Reason: "is required"}
		}
	}
	return nil
}

func decodeInto(f *Frame, kind Kind, v any) error {
	err := json.Unmarshal(f.Raw, v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{Kind: kind, Field: typeErr.Field, Reason: "must be of type " + typeErr.Type.String()}
	}
	return &ValidationError{Kind: kind, Reason: err.Error()}
}
