package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	entrySuffix = ".entry"
	// activeFile 记录 active generation 名称；以点开头，Names 不会把它当作 generation。
	activeFile = ".active"
)

// NewFileStore 以 basePath 为根目录构建磁盘缓存，每个 generation 对应一个子目录。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入时的临时文件竞争；
// genMu 让整代删除与条目写入互斥，删除后的迟到写入只会看到目录已不存在。
type fileStore struct {
	basePath string

	genMu sync.RWMutex
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation dir: %w", err)
	}
	return &fileBucket{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Bucket(ctx context.Context, name string) (Bucket, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrGenerationGone
	}
	dir, _ := s.generationDir(name)
	return &fileBucket{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.generationDir(name)
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) SetActive(ctx context.Context, name string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if _, err := s.generationDir(name); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(s.basePath, ".active-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.WriteString(name)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempName, filepath.Join(s.basePath, activeFile))
	}
	if err != nil {
		os.Remove(tempName)
		return fmt.Errorf("persist active generation: %w", err)
	}
	return nil
}

func (s *fileStore) Active(ctx context.Context) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, activeFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) generationDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	dir := filepath.Join(s.basePath, name)
	if filepath.Dir(dir) != s.basePath {
		return "", ErrInvalidName
	}
	return dir, nil
}

func (s *fileStore) lockEntry(path string) func() {
	s.mu.Lock()
	lock := s.locks[path]
	if lock == nil {
		lock = &entryLock{}
		s.locks[path] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, path)
		}
		s.mu.Unlock()
	}
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if rec.Key != key {
		// sha1 碰撞或旧格式文件，按未命中处理。
		return nil, ErrNotFound
	}
	return rec.snapshot(), nil
}

func (b *fileBucket) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if snap == nil {
		return errors.New("snapshot required")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	data, err := encodeRecord(newRecord(key, snap))
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	filePath := b.entryPath(key)
	unlock := b.store.lockEntry(filePath)
	defer unlock()

	b.store.genMu.RLock()
	defer b.store.genMu.RUnlock()
	if _, err := os.Stat(b.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationGone
		}
		return err
	}

	tempFile, err := os.CreateTemp(b.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *fileBucket) Delete(ctx context.Context, key Key) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	filePath := b.entryPath(key)
	unlock := b.store.lockEntry(filePath)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (b *fileBucket) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}
