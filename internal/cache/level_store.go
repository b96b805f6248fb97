package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键布局：
//
//	a:                           # active generation 名称
//	g:<generation>               # generation 标记
//	e:<generation>\x00<key>      # gob 编码的 record
var (
	activeKey        = []byte("a:")
	generationPrefix = []byte("g:")
	entryPrefix      = []byte("e:")
)

// NewLevelStore 在 basePath 下打开（或创建）leveldb 数据库。
func NewLevelStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(basePath, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

// levelStore 中 genMu 让整代删除与条目写入互斥，避免删除后的写入留下孤儿条目。
type levelStore struct {
	db    *leveldb.DB
	genMu sync.RWMutex
}

type levelBucket struct {
	store *levelStore
	name  string
}

func generationKey(name string) []byte {
	return append(append([]byte(nil), generationPrefix...), name...)
}

func bucketPrefix(name string) []byte {
	out := append(append([]byte(nil), entryPrefix...), name...)
	return append(out, 0)
}

func (s *levelStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.db.Put(generationKey(name), nil, nil); err != nil {
		return nil, err
	}
	return &levelBucket{store: s, name: name}, nil
}

func (s *levelStore) Bucket(ctx context.Context, name string) (Bucket, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrGenerationGone
	}
	return &levelBucket{store: s, name: name}, nil
}

func (s *levelStore) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	return s.db.Has(generationKey(name), nil)
}

func (s *levelStore) Delete(ctx context.Context, name string) (bool, error) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(generationKey(name))

	it := s.db.NewIterator(util.BytesPrefix(bucketPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStore) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix(generationPrefix), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), generationPrefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStore) SetActive(ctx context.Context, name string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	return s.db.Put(activeKey, []byte(name), nil)
}

func (s *levelStore) Active(ctx context.Context) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	data, err := s.db.Get(activeKey, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func (b *levelBucket) Name() string {
	return b.name
}

func (b *levelBucket) entryKey(key Key) []byte {
	return append(bucketPrefix(b.name), key.String()...)
}

func (b *levelBucket) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	data, err := b.store.db.Get(b.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return rec.snapshot(), nil
}

func (b *levelBucket) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if snap == nil {
		return errors.New("snapshot required")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	b.store.genMu.RLock()
	defer b.store.genMu.RUnlock()
	exists, err := b.store.db.Has(generationKey(b.name), nil)
	if err != nil {
		return err
	}
	if !exists {
		return ErrGenerationGone
	}
	data, err := encodeRecord(newRecord(key, snap))
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return b.store.db.Put(b.entryKey(key), data, nil)
}

func (b *levelBucket) Delete(ctx context.Context, key Key) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return b.store.db.Delete(b.entryKey(key), nil)
}

func (b *levelBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	it := b.store.db.NewIterator(util.BytesPrefix(bucketPrefix(b.name)), nil)
	defer it.Release()

	var keys []Key
	for it.Next() {
		rec, err := decodeRecord(it.Value())
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
