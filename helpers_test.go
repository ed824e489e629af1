package userproxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeSocket 内存中的 Socket 实现
type fakeSocket struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (f *fakeSocket) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeSocket) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeSocket) messages(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range f.frames() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(frame, &m), "frame %s", frame)
		out = append(out, m)
	}
	return out
}

func (f *fakeSocket) countType(kind Kind) int {
	n := 0
	for _, frame := range f.frames() {
		if DecodeFrame(frame).Kind == kind {
			n++
		}
	}
	return n
}

func newTestServer(t *testing.T, opts *Options) *Server {
	t.Helper()
	s := NewServer(opts)
	t.Cleanup(s.heartbeat.Stop)
	return s
}

// connectFake 直接在注册表中登记一个基于 fakeSocket 的连接
func connectFake(t *testing.T, s *Server) (*Conn, *fakeSocket, string) {
	t.Helper()
	sock := newFakeSocket()
	c := NewConn(sock, 0)
	id := s.registry.Register(c)
	return c, sock, id
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func startHub(t *testing.T, opts *Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// dialHub 连接 hub 并读取首条 client_id 消息
func dialHub(t *testing.T, ts *httptest.Server, path string) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	hello := readJSON(t, ws)
	require.Equal(t, "client_id", hello["type"])
	id, _ := hello["client_id"].(string)
	require.NotEmpty(t, id)
	require.Contains(t, hello, "timestamp")
	return ws, id
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_, data := readRaw(t, ws)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func readRaw(t *testing.T, ws *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return mt, data
}

// expectSilence 断言在短时间内收不到任何消息。读超时后连接不可再用，只能作为最后一步
func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := ws.ReadMessage()
	require.Error(t, err, "unexpected message %s", data)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}
