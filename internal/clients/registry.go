// Package clients tracks the foreground pages served through the hub so a
// freshly activated generation can take control of them immediately.
package clients

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CookieName 是标识前台页面的 cookie 名称。
const CookieName = "offline_hub_client"

// Client 描述一个已知的前台页面。
type Client struct {
	ID         string    `json:"id"`
	Generation string    `json:"generation"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Registry 维护 client id → 控制它的 generation。所有方法并发安全。
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nowFunc func() time.Time
}

// NewRegistry 创建空的客户端表。
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Touch 记录一次来自 id 的访问。id 为空或不是合法 uuid 时分配新 id，
// 新客户端由 generation 控制；返回最终使用的 id 以及是否为新分配。
func (r *Registry) Touch(id, generation string) (string, bool) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		id = ""
	}
	now := r.nowFunc()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if existing, ok := r.clients[id]; ok {
			existing.LastSeen = now
			return id, false
		}
	}
	created := id == ""
	if created {
		id = uuid.NewString()
	}
	r.clients[id] = &Client{
		ID:         id,
		Generation: generation,
		FirstSeen:  now,
		LastSeen:   now,
	}
	return id, created
}

// Claim 让所有已知客户端改由 generation 控制，返回被接管的数量。
func (r *Registry) Claim(generation string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := 0
	for _, client := range r.clients {
		if client.Generation != generation {
			client.Generation = generation
			claimed++
		}
	}
	return claimed
}

// Controller 返回 id 当前所属的 generation。
func (r *Registry) Controller(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	if !ok {
		return "", false
	}
	return client.Generation, true
}

// Len 返回已知客户端数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// List 按首次出现时间返回客户端副本。
func (r *Registry) List() []Client {
	r.mu.RLock()
	out := make([]Client, 0, len(r.clients))
	for _, client := range r.clients {
		out = append(out, *client)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}
