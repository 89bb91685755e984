package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	levelGenerationPrefix = []byte("g\x00")
	levelEntryPrefix      = []byte("e\x00")
)

// NewLevelDBStore 在 path 下打开 leveldb，键布局：
//
//	g\x00<tag>                 -> 代创建时间（unix 纳秒）
//	e\x00<tag>\x00<sha1(key)>  -> gob 编码的 Snapshot
func NewLevelDBStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

// levelStore 的 mu 保证 Put 与 Delete 不会交错，避免被删除的代残留条目。
type levelStore struct {
	db *leveldb.DB
	mu sync.RWMutex
}

type levelGeneration struct {
	store *levelStore
	tag   string
}

func generationKey(tag string) []byte {
	return append(append([]byte(nil), levelGenerationPrefix...), tag...)
}

func entryPrefix(tag string) []byte {
	key := append(append([]byte(nil), levelEntryPrefix...), tag...)
	return append(key, 0)
}

func (s *levelStore) Open(ctx context.Context, tag string) (Generation, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	marker := generationKey(tag)
	exists, err := s.db.Has(marker, nil)
	if err != nil {
		return nil, err
	}
	if !exists {
		created := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := s.db.Put(marker, []byte(created), nil); err != nil {
			return nil, fmt.Errorf("create generation %s: %w", tag, err)
		}
	}
	return &levelGeneration{store: s, tag: tag}, nil
}

func (s *levelStore) Get(ctx context.Context, tag string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	exists, err := s.db.Has(generationKey(tag), nil)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrGenerationNotFound
	}
	return &levelGeneration{store: s, tag: tag}, nil
}

func (s *levelStore) Delete(ctx context.Context, tag string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	marker := generationKey(tag)
	exists, err := s.db.Has(marker, nil)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	iter := s.db.NewIterator(util.BytesPrefix(entryPrefix(tag)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete generation %s: %w", tag, err)
	}
	return true, nil
}

func (s *levelStore) Tags(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tags []string
	iter := s.db.NewIterator(util.BytesPrefix(levelGenerationPrefix), nil)
	for iter.Next() {
		tags = append(tags, string(iter.Key()[len(levelGenerationPrefix):]))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func (g *levelGeneration) Tag() string {
	return g.tag
}

func (g *levelGeneration) entryKey(key Key) []byte {
	return append(entryPrefix(g.tag), key.digest()...)
}

func (g *levelGeneration) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := g.store.db.Get(g.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (g *levelGeneration) Put(ctx context.Context, key Key, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	exists, err := g.store.db.Has(generationKey(g.tag), nil)
	if err != nil {
		return err
	}
	if !exists {
		return ErrGenerationGone
	}
	return g.store.db.Put(g.entryKey(key), data, nil)
}
