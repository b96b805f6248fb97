package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Store 管理按 generation 名称划分的缓存空间。所有实现都必须支持并发调用。
type Store interface {
	// Open 打开（必要时创建）指定 generation 的 Bucket，仅供安装阶段使用。
	Open(ctx context.Context, name string) (Bucket, error)

	// Bucket 打开已存在的 generation，不会创建；不存在时返回 ErrGenerationGone。
	Bucket(ctx context.Context, name string) (Bucket, error)

	// Has 判断指定 generation 是否已经存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个 generation 及其全部条目，返回是否确实删除了内容。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 按字典序返回当前持久化的全部 generation 名称。
	Names(ctx context.Context) ([]string, error)

	// SetActive 持久化当前生效的 generation 名称，供重启后恢复。
	SetActive(ctx context.Context, name string) error

	// Active 返回最近一次 SetActive 写入的名称；从未写入时返回空字符串。
	Active(ctx context.Context) (string, error)

	// Close 释放底层资源。
	Close() error
}

// Bucket 是单个 generation 内的 Key → Snapshot 存储。
type Bucket interface {
	Name() string

	// Match 返回与 key 完全匹配的快照副本；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 以 last-writer-wins 语义写入快照，写入的是调用方快照的副本。
	Put(ctx context.Context, key Key, snap *Snapshot) error

	// Delete 删除单个条目，不存在时不报错。
	Delete(ctx context.Context, key Key) error

	// Keys 返回 Bucket 内全部条目的 Key。
	Keys(ctx context.Context) ([]Key, error)
}

// Driver 名称，与配置项 StorageDriver 对应。
const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
	DriverMemory  = "memory"
)

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示 generation 名称不可用于持久化。
	ErrInvalidName = errors.New("invalid generation name")
)

// NewStore 根据 driver 构建对应的存储实现，整个进程复用一份实例。
func NewStore(driver, basePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStore(basePath)
	case DriverLevelDB:
		return NewLevelStore(basePath)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// Key 唯一标识一个缓存条目：请求方法 + 绝对 URL，外加参与内容协商的请求头。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Vary   string `json:"vary,omitempty"`
}

// NewKey 规范化方法与 URL，并按 vary 列表截取请求头组成协商部分。
func NewKey(method, rawURL string, header http.Header, vary []string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	key := Key{Method: method, URL: normalizeURL(rawURL)}
	if len(vary) == 0 || header == nil {
		return key
	}

	names := make([]string, 0, len(vary))
	for _, name := range vary {
		if name = http.CanonicalHeaderKey(strings.TrimSpace(name)); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		if value := header.Get(name); value != "" {
			parts = append(parts, name+"="+value)
		}
	}
	key.Vary = strings.Join(parts, "&")
	return key
}

// String 返回稳定的字符串形式，用于文件名摘要与 leveldb 键。
func (k Key) String() string {
	if k.Vary == "" {
		return k.Method + " " + k.URL
	}
	return k.Method + " " + k.URL + " " + k.Vary
}

func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	return u.String()
}

// Snapshot 是响应的完整缓冲副本，与原始网络流解耦。
// 同一个 Snapshot 交给多个消费者（调用方 + 存储）之前必须先 Clone。
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 深拷贝 Header 与 Body。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		StoredAt: s.StoredAt,
	}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// Cacheable 仅允许 GET + 200 写入缓存。
func Cacheable(method string, status int) bool {
	return strings.EqualFold(method, http.MethodGet) && status == http.StatusOK
}

// validateName 阻止 generation 名称跳出存储根目录或与内部键冲突。
func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidName
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
