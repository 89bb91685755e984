package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const trashPrefix = ".trash-"

// NewDiskStore 以 basePath 为根目录构建磁盘缓存，磁盘布局：
//
//	<basePath>/<tag>/<aa>/<sha1>.entry    # gob 编码的 Snapshot
//
// 每个 tag 目录即一个缓存代；删除时先整体 rename 到隐藏目录再清理。
func NewDiskStore(basePath string) (Store, error) {
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

	store := &diskStore{basePath: abs}
	store.sweepTrash()
	return store, nil
}

// diskStore 用 mu 串行化“代”级别的创建/删除；条目读取不加锁，依赖 rename 原子性。
type diskStore struct {
	basePath string
	mu       sync.RWMutex
}

type diskGeneration struct {
	store *diskStore
	tag   string
	dir   string
}

func (s *diskStore) Open(ctx context.Context, tag string) (Generation, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.generationDir(tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", tag, err)
	}
	return &diskGeneration{store: s, tag: tag, dir: dir}, nil
}

func (s *diskStore) Get(ctx context.Context, tag string) (Generation, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, ErrGenerationNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	dir := s.generationDir(tag)
	if !isDir(dir) {
		return nil, ErrGenerationNotFound
	}
	return &diskGeneration{store: s, tag: tag, dir: dir}, nil
}

func (s *diskStore) Delete(ctx context.Context, tag string) (bool, error) {
	if err := ValidateTag(tag); err != nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	dir := s.generationDir(tag)
	if !isDir(dir) {
		s.mu.Unlock()
		return false, nil
	}
	trash := filepath.Join(s.basePath, trashPrefix+tag+"-"+uuid.NewString())
	err := os.Rename(dir, trash)
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("unlink generation %s: %w", tag, err)
	}

	// 已打开的文件句柄不受影响，这里只清理目录树。
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("remove generation %s: %w", tag, err)
	}
	return true, nil
}

func (s *diskStore) Tags(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		tags = append(tags, entry.Name())
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *diskStore) Close() error {
	return nil
}

func (s *diskStore) generationDir(tag string) string {
	return filepath.Join(s.basePath, tag)
}

// sweepTrash 清理上次进程异常退出时遗留的 trash 目录。
func (s *diskStore) sweepTrash() {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), trashPrefix) {
			_ = os.RemoveAll(filepath.Join(s.basePath, entry.Name()))
		}
	}
}

func (g *diskGeneration) Tag() string {
	return g.tag
}

func (g *diskGeneration) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(g.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (g *diskGeneration) Put(ctx context.Context, key Key, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	if !isDir(g.dir) {
		return ErrGenerationGone
	}

	filePath := g.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".entry-*")
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

func (g *diskGeneration) entryPath(key Key) string {
	digest := key.digest()
	return filepath.Join(g.dir, digest[:2], digest+".entry")
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
