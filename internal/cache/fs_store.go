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
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// 磁盘布局：
//
//	<StoragePath>/<generation>/.created          # 创建时间，决定跨代 Match 的顺序
//	<StoragePath>/<generation>/<sha1(key)>.entry # 首行 JSON 元数据，其后为正文
//
// 元数据与正文放在同一个文件里，一次 rename 即可原子替换整个条目。
const (
	createdMarker = ".created"
	entrySuffix   = ".entry"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
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

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入；genMu 串行化缓存代的创建与删除。
type fileStorage struct {
	basePath string

	genMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileCache struct {
	storage *fileStorage
	name    string
	dir     string
}

type entryMeta struct {
	Key string `json:"key"`
	Response
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	marker := filepath.Join(dir, createdMarker)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := os.WriteFile(marker, stamp, 0o644); err != nil {
			return nil, fmt.Errorf("mark generation %s: %w", name, err)
		}
	}
	return &fileCache{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	// 没有 .created 标记的目录不是本存储创建的，不删除。
	ok, err := isGeneration(dir)
	if err != nil || !ok {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type generation struct {
		name    string
		created time.Time
	}
	gens := make([]generation, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		dir := filepath.Join(s.basePath, entry.Name())
		if ok, _ := isGeneration(dir); !ok {
			continue
		}
		gens = append(gens, generation{
			name:    entry.Name(),
			created: s.createdAt(dir),
		})
	}
	sort.SliceStable(gens, func(i, j int) bool {
		if gens[i].created.Equal(gens[j].created) {
			return gens[i].name < gens[j].name
		}
		return gens[i].created.Before(gens[j].created)
	})

	names := make([]string, len(gens))
	for i, gen := range gens {
		names[i] = gen.name
	}
	return names, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, nil
	}
	return isGeneration(dir)
}

func (s *fileStorage) Match(ctx context.Context, key string) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &fileCache{storage: s, name: name, dir: filepath.Join(s.basePath, name)}
		resp, err := c.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStorage) Close() error { return nil }

func (s *fileStorage) generationDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid generation path")
	}
	return dir, nil
}

// isGeneration 判断目录是否为缓存代：只认带 .created 标记的目录，
// StoragePath 下的其他目录不会被列出或删除。
func isGeneration(dir string) (bool, error) {
	info, err := os.Stat(filepath.Join(dir, createdMarker))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *fileStorage) createdAt(dir string) time.Time {
	if raw, err := os.ReadFile(filepath.Join(dir, createdMarker)); err == nil {
		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw))); err == nil {
			return parsed
		}
	}
	if info, err := os.Stat(dir); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

func (s *fileStorage) lockEntry(key string) func() {
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

func (c *fileCache) Name() string { return c.name }

func (c *fileCache) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	meta, body, err := readEntry(f)
	if err != nil {
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	resp := meta.Response
	resp.Body = body
	resp.FromCache = true
	return &resp, nil
}

func (c *fileCache) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	unlock := c.storage.lockEntry(c.name + "::" + key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	// 缓存代可能在写入前被 activate 清理掉，此时不再重建目录。
	if _, err := os.Stat(c.dir); err != nil {
		return fmt.Errorf("generation %s unavailable: %w", c.name, err)
	}

	stored := stamp(resp)
	header, err := json.Marshal(entryMeta{Key: key, Response: *stored})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = io.Copy(tempFile, io.MultiReader(
		bytes.NewReader(header),
		strings.NewReader("\n"),
		bytes.NewReader(stored.Body),
	))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, c.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (c *fileCache) Delete(ctx context.Context, key string) (bool, error) {
	unlock := c.storage.lockEntry(c.name + "::" + key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.Remove(c.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		meta, err := readEntryMeta(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *fileCache) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readEntry(r io.Reader) (entryMeta, []byte, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return entryMeta{}, nil, err
	}
	return meta, body, nil
}

func readEntryMeta(path string) (entryMeta, error) {
	f, err := os.Open(path)
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
