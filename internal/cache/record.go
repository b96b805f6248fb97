package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"net/http"
	"time"
)

// ErrGenerationGone 表示写入目标 generation 已被删除（例如激活阶段的清理）。
var ErrGenerationGone = errors.New("cache generation no longer exists")

// record 是条目的持久化形式，fs 与 leveldb 驱动共用。
type record struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
}

func newRecord(key Key, snap *Snapshot) record {
	storedAt := snap.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return record{
		Key:      key,
		Status:   snap.Status,
		Header:   snap.Header,
		Body:     snap.Body,
		StoredAt: storedAt.UnixNano(),
	}
}

func (r record) snapshot() *Snapshot {
	header := r.Header
	if header == nil {
		header = http.Header{}
	}
	return &Snapshot{
		Status:   r.Status,
		Header:   header,
		Body:     r.Body,
		StoredAt: time.Unix(0, r.StoredAt).UTC(),
	}
}

func encodeRecord(r record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (record, error) {
	var r record
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r)
	return r, err
}

func init() {
	gob.Register(http.Header{})
}
