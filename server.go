package userproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/iamxvbaba/userproxy/internal/metrics"
)

// Server 接受连接、分配身份并在身份之间路由消息
type Server struct {
	registry   *Registry
	heartbeat  *Heartbeat
	dispatcher *Dispatcher
	opts       Options
	log        zerolog.Logger
	upgrader   websocket.Upgrader

	srvMu   sync.Mutex
	httpSrv *http.Server

	mu           sync.RWMutex
	onConnect    func(c *Conn, clientID string)
	onDisconnect func(c *Conn, clientID string)
}

// NewServer 创建 Server，opts 可为 nil
func NewServer(opts *Options) *Server {
	o := mergeOptions(opts)
	log := o.logger()
	s := &Server{
		opts:       o,
		log:        log,
		heartbeat:  newHeartbeat(o.HeartbeatInterval, log),
		dispatcher: newDispatcher(log),
	}
	s.registry = NewRegistry(func(n int) {
		metrics.ConnectionsActive.Set(float64(n))
		s.heartbeat.resize(n)
	})
	s.heartbeat.registry = s.registry

	checkOrigin := o.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}

	s.dispatcher.On(KindPing, s.handlePing)
	s.dispatcher.On(KindPong, s.handlePong)
	s.dispatcher.On(KindCommand, s.handleCommand)
	s.dispatcher.On(KindCommandResult, s.handleCommand)
	s.dispatcher.On(KindData, s.handleData)
	s.dispatcher.Fallback(s.handleUnknown)
	return s
}

// Registry 返回连接注册表
func (s *Server) Registry() *Registry { return s.registry }

// Heartbeat 返回心跳任务
func (s *Server) Heartbeat() *Heartbeat { return s.heartbeat }

// On 注册消息处理器，同一类型后注册的覆盖先注册的
func (s *Server) On(kind Kind, handler HandlerFunc) {
	s.dispatcher.On(kind, handler)
}

// OnConnect 注册连接成功钩子
func (s *Server) OnConnect(h func(c *Conn, clientID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = h
}

// OnDisconnect 注册连接断开钩子
func (s *Server) OnDisconnect(h func(c *Conn, clientID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = h
}

// Handler 返回包含 /ws、/ws/{client_id}、/health、/metrics 的路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/ws/{clientID}", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve 启动 HTTP 服务
func (s *Server) Serve(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.httpSrv = srv
	s.srvMu.Unlock()
	s.log.Info().Str("addr", addr).Msg("hub listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭：停止 HTTP、关闭所有连接、停止心跳
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.httpSrv
	s.srvMu.Unlock()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range s.registry.Snapshot() {
		s.registry.Unregister(c)
		_ = c.Close()
	}
	s.heartbeat.Stop()
	return err
}

// SendTo 向特定身份发送消息
func (s *Server) SendTo(clientID string, v any) error {
	conn, ok := s.registry.Lookup(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return conn.Send(v)
}

// Broadcast 向所有在线连接发送消息，返回成功送达的数量。
// 发送失败的连接在遍历结束后统一注销。
func (s *Server) Broadcast(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %T: %w", v, err)
	}
	var dead []*Conn
	delivered := 0
	for _, c := range s.registry.Snapshot() {
		if err := c.SendRaw(data); err != nil {
			dead = append(dead, c)
			continue
		}
		delivered++
	}
	for _, c := range dead {
		s.registry.Unregister(c)
		_ = c.Close()
	}
	return delivered, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	requested := chi.URLParam(r, "clientID")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	if s.opts.ReadLimit > 0 {
		ws.SetReadLimit(s.opts.ReadLimit)
	}
	s.serve(NewConn(ws, s.opts.WriteTimeout), requested)
}

// serve 驱动单个连接的生命周期：注册并宣告身份，顺序读取并分发，断开后注销。
// requested 非空时按该身份接管。
func (s *Server) serve(conn *Conn, requested string) {
	// 持有写锁完成注册与宣告，保证 client_id 是对端收到的第一条消息
	conn.writeMu.Lock()
	clientID := s.register(conn, requested)
	err := conn.writeJSONLocked(NewClientIDMessage(clientID))
	conn.writeMu.Unlock()

	log := s.log.With().
		Str("client_id", clientID).
		Str("session", conn.Session()).
		Str("remote_addr", conn.RemoteAddr()).
		Logger()
	defer s.release(conn, clientID, log)

	if err != nil {
		log.Warn().Err(err).Msg("client_id announce failed")
		return
	}
	log.Info().Int("connections", s.registry.Len()).Msg("client connected")

	s.mu.RLock()
	onConnect := s.onConnect
	s.mu.RUnlock()
	if onConnect != nil {
		go onConnect(conn, clientID)
	}

	err = conn.Run(func(data []byte) {
		id, _ := s.registry.IdentityOf(conn)
		s.dispatcher.Dispatch(conn, id, data)
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		log.Debug().Err(err).Msg("read error")
	}
}

func (s *Server) register(conn *Conn, requested string) string {
	if requested == "" {
		metrics.ConnectionsAccepted.WithLabelValues("anonymous").Inc()
		return s.registry.Register(conn)
	}
	metrics.ConnectionsAccepted.WithLabelValues("reconnect").Inc()
	if old := s.registry.RegisterWithIdentity(conn, requested); old != nil {
		metrics.Takeovers.Inc()
		s.log.Info().
			Str("client_id", requested).
			Str("session", conn.Session()).
			Str("replaced_session", old.Session()).
			Msg("identity taken over")
	}
	return requested
}

// release 注销连接并关闭底层传输。被接管的旧连接不触发断开钩子；
// 已被心跳、广播或 Shutdown 注销的连接仍以注册时的身份触发。
func (s *Server) release(conn *Conn, clientID string, log zerolog.Logger) {
	_, removed := s.registry.Unregister(conn)
	_ = conn.Close()
	switch {
	case removed:
		log.Info().Int("connections", s.registry.Len()).Msg("client disconnected")
	case conn.Replaced():
		log.Info().Msg("replaced connection closed")
		return
	default:
		log.Info().Int("connections", s.registry.Len()).Msg("evicted connection closed")
	}

	s.mu.RLock()
	onDisconnect := s.onDisconnect
	s.mu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(conn, clientID)
	}
}

type healthResponse struct {
	Status           string `json:"status"`
	Connections      int    `json:"connections"`
	HeartbeatRunning bool   `json:"heartbeat_running"`
	Timestamp        string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:           "ok",
		Connections:      s.registry.Len(),
		HeartbeatRunning: s.heartbeat.Running(),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
}

// requestLogger 使用 zerolog 记录 HTTP 请求
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
