package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	entrySuffix   = ".entry"
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// NewFileStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 上次异常退出残留的 staging/trash 目录会在这里顺手清理。
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

	store := &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	store.sweepLeftovers()
	return store, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .entry 文件首行的 JSON 元数据。
type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	meta, body, err := decodeEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	// 查询串哈希理论上可能碰撞，以元数据里的原始 key 为准。
	if meta.Key != locator.Key {
		return nil, ErrNotFound
	}

	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	return writeEntryFile(ctx, filePath, locator.Key, resp)
}

func (s *fileStore) PutBatch(ctx context.Context, generation string, entries []BatchEntry) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(s.basePath, stagingPrefix+"*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	rels := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		rel, err := keyRelPath(entry.Key)
		if err != nil {
			return err
		}
		if err := writeEntryFile(ctx, filepath.Join(staging, rel), entry.Key, entry.Response); err != nil {
			return err
		}
		rels = append(rels, rel)
	}

	target := filepath.Join(s.basePath, generation)
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		// 代际尚不存在时整目录 rename，一步可见。
		if err := os.Rename(staging, target); err == nil {
			return nil
		}
	}

	// 代际已存在（例如同一版本重复安装）：逐条 rename，每条各自原子。
	for i, rel := range rels {
		locator := Locator{Generation: generation, Key: entries[i].Key}
		if err := s.moveInto(filepath.Join(staging, rel), filepath.Join(target, rel), locator); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) moveInto(src, dst string, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func (s *fileStore) Keys(ctx context.Context, generation string) ([]string, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, err
	}
	root := filepath.Join(s.basePath, generation)

	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		meta, err := readEntryMeta(p)
		if err != nil {
			return nil
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

// DropGeneration 先把目录 rename 到 .trash-* 再删除：rename 成功即视为代际已消失，
// 之后的递归删除只影响磁盘占用。
func (s *fileStore) DropGeneration(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(s.basePath, generation)
	trash := filepath.Join(s.basePath, trashPrefix+generation+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(trash); err != nil {
		return fmt.Errorf("purge dropped generation %s: %w", generation, err)
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) sweepLeftovers() {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, item := range items {
		name := item.Name()
		if strings.HasPrefix(name, stagingPrefix) || strings.HasPrefix(name, trashPrefix) {
			_ = os.RemoveAll(filepath.Join(s.basePath, name))
		}
	}
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	if err := validateGeneration(locator.Generation); err != nil {
		return "", err
	}
	rel, err := keyRelPath(locator.Key)
	if err != nil {
		return "", err
	}

	root := filepath.Join(s.basePath, locator.Generation)
	filePath := filepath.Join(root, rel)
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

// keyRelPath 将请求键映射为代际目录内的相对文件路径：
// 目录形式的路径补 __index__，查询串以 /__qs/<sha1> 区分。
func keyRelPath(key string) (string, error) {
	if key == "" {
		return "", errors.New("cache key required")
	}
	rawPath, rawQuery, _ := strings.Cut(key, "?")

	clean := path.Clean("/" + rawPath)
	if clean == "/" || strings.HasSuffix(rawPath, "/") {
		clean = strings.TrimSuffix(clean, "/") + "/__index__"
	}
	if rawQuery != "" {
		sum := sha1.Sum([]byte(rawQuery))
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	return filepath.FromSlash(strings.TrimPrefix(clean, "/") + entrySuffix), nil
}

func writeEntryFile(ctx context.Context, filePath, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	header, err := json.Marshal(entryMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt,
	})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	w := bufio.NewWriter(tempFile)
	_, err = w.Write(header)
	if err == nil {
		err = w.WriteByte('\n')
	}
	if err == nil {
		_, err = w.Write(resp.Body)
	}
	if err == nil {
		err = w.Flush()
	}
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

func decodeEntry(raw []byte) (entryMeta, []byte, error) {
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return entryMeta{}, nil, errors.New("missing entry header")
	}
	var meta entryMeta
	if err := json.Unmarshal(raw[:idx], &meta); err != nil {
		return entryMeta{}, nil, err
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	return meta, raw[idx+1:], nil
}

func readEntryMeta(filePath string) (entryMeta, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}

func locatorKey(locator Locator) string {
	return locator.Generation + "::" + locator.Key
}
