package userproxy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_CommandForwardedVerbatim(t *testing.T) {
	s := newTestServer(t, nil)
	a, sockA, idA := connectFake(t, s)
	_, sockB, idB := connectFake(t, s)
	_, sockC, _ := connectFake(t, s)

	raw := []byte(`{"type":"command","client_id":"` + idA + `","receiver":"` + idB +
		`","command":"ls","data":{"path":"/tmp"},"request_id":"r1","extra":[1, 2]}`)
	s.dispatcher.Dispatch(a, idA, raw)

	frames := sockB.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, raw, frames[0], "bytes must be forwarded unchanged")
	assert.Empty(t, sockA.frames(), "sender receives no acknowledgement")
	assert.Empty(t, sockC.frames())
}

func TestRouter_CommandReceiverAbsent(t *testing.T) {
	tests := []struct {
		name          string
		requestID     string
		wantRequestID string
	}{
		{"with request id", "r-42", "r-42"},
		{"without request id", "", DefaultRequestID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			a, sockA, idA := connectFake(t, s)

			cmd := map[string]any{
				"type": "command", "client_id": idA, "receiver": "nonexistent_client", "command": "test",
			}
			if tt.requestID != "" {
				cmd["request_id"] = tt.requestID
			}
			s.dispatcher.Dispatch(a, idA, mustJSON(t, cmd))

			msgs := sockA.messages(t)
			require.Len(t, msgs, 1)
			m := msgs[0]
			assert.Equal(t, "command", m["type"])
			assert.Equal(t, false, m["success"])
			assert.Equal(t, "server", m["client_id"])
			assert.Equal(t, idA, m["receiver"])
			assert.Equal(t, tt.wantRequestID, m["request_id"])
			assert.Contains(t, m["error"], "nonexistent_client")
			assert.Contains(t, m, "timestamp")
		})
	}
}

func TestRouter_CommandFailureUsesConfiguredServerID(t *testing.T) {
	s := newTestServer(t, &Options{ServerID: "hub-7"})
	a, sockA, idA := connectFake(t, s)

	s.dispatcher.Dispatch(a, idA, []byte(`{"type":"command","client_id":"spoofed","receiver":"ghost","command":"x"}`))

	msgs := sockA.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hub-7", msgs[0]["client_id"])
	assert.Equal(t, idA, msgs[0]["receiver"], "failure goes to the bound identity, not the claimed one")
}

func TestRouter_CommandForwardFailure(t *testing.T) {
	s := newTestServer(t, nil)
	a, sockA, idA := connectFake(t, s)
	_, sockB, idB := connectFake(t, s)
	sockB.failWrites(errors.New("connection reset"))

	s.dispatcher.Dispatch(a, idA, mustJSON(t, map[string]any{
		"type": "command", "client_id": idA, "receiver": idB, "command": "ls", "request_id": "r2",
	}))

	msgs := sockA.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, false, msgs[0]["success"])
	assert.Equal(t, "r2", msgs[0]["request_id"])
	assert.Contains(t, msgs[0]["error"], idB)
	assert.Contains(t, msgs[0]["error"], "connection reset")
}

func TestRouter_ResultForwardedVerbatim(t *testing.T) {
	s := newTestServer(t, nil)
	_, sockA, idA := connectFake(t, s)
	b, sockB, idB := connectFake(t, s)

	raw := []byte(`{"type":"command","client_id":"` + idB + `","receiver":"` + idA +
		`","request_id":"r1","success":true,"result":{"output":"ok"}}`)
	s.dispatcher.Dispatch(b, idB, raw)

	frames := sockA.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, raw, frames[0])
	assert.Empty(t, sockB.frames())
}

func TestRouter_FailedResultIsStillAResult(t *testing.T) {
	s := newTestServer(t, nil)
	_, sockA, idA := connectFake(t, s)
	b, sockB, idB := connectFake(t, s)

	raw := mustJSON(t, map[string]any{
		"type": "command", "client_id": idB, "receiver": idA, "request_id": "r1",
		"success": false, "error": "permission denied",
	})
	s.dispatcher.Dispatch(b, idB, raw)

	assert.Equal(t, [][]byte{raw}, sockA.frames())
	assert.Empty(t, sockB.frames())
}

func TestRouter_ResultReceiverAbsentIsDropped(t *testing.T) {
	s := newTestServer(t, nil)
	b, sockB, idB := connectFake(t, s)

	s.dispatcher.Dispatch(b, idB, mustJSON(t, map[string]any{
		"type": "command", "client_id": idB, "receiver": "gone", "request_id": "r1", "success": true,
	}))
	assert.Empty(t, sockB.frames(), "no failure result for results")
}

func TestRouter_InvalidCommandAndResult(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"command without receiver", `{"type":"command","client_id":"a","command":"ls"}`, "receiver"},
		{"command without command", `{"type":"command","client_id":"a","receiver":"b"}`, "command"},
		{"result without request_id", `{"type":"command","client_id":"a","receiver":"b","success":true}`, "request_id"},
		{"result with null success", `{"type":"command","client_id":"a","receiver":"b","request_id":"r","success":null}`, "success"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			a, sockA, idA := connectFake(t, s)
			_, sockB, _ := connectFake(t, s)

			s.dispatcher.Dispatch(a, idA, []byte(tt.raw))

			msgs := sockA.messages(t)
			require.Len(t, msgs, 1)
			assert.Equal(t, "error", msgs[0]["type"])
			assert.Equal(t, CodeInvalidFormat, msgs[0]["error_code"])
			assert.Contains(t, msgs[0]["detail"], tt.field)
			assert.Empty(t, sockB.frames())
		})
	}
}

func TestRouter_CommandResultKindAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	_, sockA, idA := connectFake(t, s)
	b, sockB, idB := connectFake(t, s)

	raw := []byte(`{"type":"command_result","client_id":"` + idB + `","receiver":"` + idA +
		`","request_id":"r1","success":true}`)
	s.dispatcher.Dispatch(b, idB, raw)

	assert.Equal(t, [][]byte{raw}, sockA.frames())
	assert.Empty(t, sockB.frames(), "no unknown_type error")
}

func TestRouter_CommandResultKindAsCommand(t *testing.T) {
	s := newTestServer(t, nil)
	a, sockA, idA := connectFake(t, s)

	s.dispatcher.Dispatch(a, idA, []byte(`{"type":"command_result","client_id":"x","receiver":"ghost","command":"ls"}`))

	msgs := sockA.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "command", msgs[0]["type"], "outbound results keep the command type")
	assert.Equal(t, false, msgs[0]["success"])
}
