package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	levelMarkerPrefix = "n:"
	levelEntryPrefix  = "e:"
	levelKeySep       = "\x00"
)

// levelRecord 是 LevelDB 中单个条目的 gob 编码结构。
type levelRecord struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

type levelStore struct {
	db *leveldb.DB
}

// NewLevelStore 打开（或创建）path 下的 LevelDB 作为缓存后端。
// 每次写入都走 leveldb.Batch，PutBatch/DropGeneration 因此天然原子。
func NewLevelStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) Get(ctx context.Context, locator Locator) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateGeneration(locator.Generation); err != nil {
		return nil, err
	}
	raw, err := s.db.Get(levelEntryKey(locator.Generation, locator.Key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec levelRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", locator.Key, err)
	}
	if rec.Header == nil {
		rec.Header = http.Header{}
	}
	return &Response{
		Status:   rec.Status,
		Header:   rec.Header,
		Body:     rec.Body,
		StoredAt: rec.StoredAt,
	}, nil
}

func (s *levelStore) Put(ctx context.Context, locator Locator, resp *Response) error {
	return s.PutBatch(ctx, locator.Generation, []BatchEntry{{Key: locator.Key, Response: resp}})
}

func (s *levelStore) PutBatch(ctx context.Context, generation string, entries []BatchEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateGeneration(generation); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(levelMarkerPrefix+generation), nil)
	for _, entry := range entries {
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		if entry.Key == "" {
			return errors.New("cache key required")
		}
		encoded, err := encodeRecord(entry.Response)
		if err != nil {
			return err
		}
		batch.Put(levelEntryKey(generation, entry.Key), encoded)
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) Keys(ctx context.Context, generation string) ([]string, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, err
	}
	prefix := []byte(levelEntryPrefix + generation + levelKeySep)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *levelStore) Generations(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelMarkerPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelMarkerPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStore) DropGeneration(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(levelMarkerPrefix + generation))

	it := s.db.NewIterator(util.BytesPrefix([]byte(levelEntryPrefix+generation+levelKeySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func levelEntryKey(generation, key string) []byte {
	return []byte(levelEntryPrefix + generation + levelKeySep + key)
}

func encodeRecord(resp *Response) ([]byte, error) {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(levelRecord{
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		StoredAt: storedAt,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
