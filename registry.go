package userproxy

import (
	"sync"

	"github.com/google/uuid"
)

// Registry 维护身份与连接之间的双向映射，是“谁在线”的唯一来源。
// 两个方向的映射始终互为逆映射；所有变更与查询都在同一把锁下进行。
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byConn map[*Conn]string
	order  []*Conn

	// onSize 在持锁状态下于每次变更后调用，参数为变更后的连接数
	onSize func(n int)
}

// NewRegistry 创建注册表，onSize 可为 nil
func NewRegistry(onSize func(n int)) *Registry {
	return &Registry{
		byID:   make(map[string]*Conn),
		byConn: make(map[*Conn]string),
		onSize: onSize,
	}
}

// Register 为连接生成新的唯一身份并绑定
func (r *Registry) Register(c *Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	for r.byID[id] != nil {
		id = uuid.NewString()
	}
	r.unbindConn(c)
	r.bind(c, id)
	r.notify()
	return id
}

// RegisterWithIdentity 将连接绑定到指定身份。若该身份已绑定其他连接，
// 旧连接先被解绑并关闭，返回被替换的旧连接（无则为 nil）。
func (r *Registry) RegisterWithIdentity(c *Conn, id string) (replaced *Conn) {
	r.mu.Lock()
	if old, ok := r.byID[id]; ok && old != c {
		r.unbindConn(old)
		old.replaced.Store(true)
		replaced = old
	}
	r.unbindConn(c)
	r.bind(c, id)
	r.notify()
	r.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}
	return replaced
}

// Unregister 移除连接的绑定，返回其身份。重复调用无副作用
func (r *Registry) Unregister(c *Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.unbindConn(c)
	if ok {
		r.notify()
	}
	return id, ok
}

// Lookup 按身份查找连接
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// IdentityOf 返回连接当前绑定的身份
func (r *Registry) IdentityOf(c *Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[c]
	return id, ok
}

// Snapshot 按注册顺序返回在线连接的副本
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, len(r.order))
	copy(out, r.order)
	return out
}

// Len 返回在线连接数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) bind(c *Conn, id string) {
	r.byID[id] = c
	r.byConn[c] = id
	r.order = append(r.order, c)
}

func (r *Registry) unbindConn(c *Conn) (string, bool) {
	id, ok := r.byConn[c]
	if !ok {
		return "", false
	}
	delete(r.byConn, c)
	delete(r.byID, id)
	for i, cur := range r.order {
		if cur == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return id, true
}

func (r *Registry) notify() {
	if r.onSize != nil {
		r.onSize(len(r.byID))
	}
}
