// Package generation 保存进程内唯一的“当前生效缓存版本”。
package generation

import (
	"errors"
	"strings"
	"sync"
)

// ErrNothingStaged 表示没有待激活的 generation。
var ErrNothingStaged = errors.New("no staged generation")

// Registry 记录 active（正在服务的版本）与 staged（已安装、等待激活的版本）。
// 任意时刻至多一个 active，其余持久化版本都视为过期。
type Registry struct {
	mu     sync.RWMutex
	active string
	staged string
}

// NewRegistry 创建空注册表；active 为空表示尚无可用缓存版本。
func NewRegistry() *Registry {
	return &Registry{}
}

// Active 返回当前生效的 generation 名称。
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Staged 返回已安装但尚未激活的 generation 名称。
func (r *Registry) Staged() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staged
}

// Stage 记录一个新安装完成的 generation，等待激活阶段提升。
func (r *Registry) Stage(name string) {
	r.mu.Lock()
	r.staged = strings.TrimSpace(name)
	r.mu.Unlock()
}

// Discard 丢弃 staged 记录（安装失败时调用），active 保持不变。
func (r *Registry) Discard(name string) {
	r.mu.Lock()
	if r.staged == name {
		r.staged = ""
	}
	r.mu.Unlock()
}

// Promote 将 staged 提升为 active，并返回被替换的旧版本名称。
func (r *Registry) Promote() (previous string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staged == "" {
		return r.active, ErrNothingStaged
	}
	previous = r.active
	r.active = r.staged
	r.staged = ""
	return previous, nil
}

// Restore 直接设置 active，用于进程重启后沿用磁盘上已有的版本。
func (r *Registry) Restore(name string) {
	r.mu.Lock()
	r.active = strings.TrimSpace(name)
	r.mu.Unlock()
}

// IsObsolete 判断持久化的 generation 是否应被清理。
func (r *Registry) IsObsolete(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return name != r.active && name != r.staged
}
