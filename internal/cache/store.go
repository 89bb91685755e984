package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Store 管理按版本 tag 划分的缓存代（generation），对应 open/get/delete/keys 四个原语。
//
// 实现需保证每个原语单独原子：Delete 只把整代从索引中摘除，已持有的 Generation
// 句柄上的读取可以正常完成；被摘除的代不能因为后续 Put 而“复活”。
type Store interface {
	// Open 打开指定 tag 的缓存代，不存在时创建。
	Open(ctx context.Context, tag string) (Generation, error)

	// Get 返回已存在的缓存代，不存在时返回 ErrGenerationNotFound。
	Get(ctx context.Context, tag string) (Generation, error)

	// Delete 删除整个缓存代，返回该 tag 此前是否存在。
	Delete(ctx context.Context, tag string) (bool, error)

	// Tags 按字典序返回当前索引中的全部 tag。
	Tags(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Generation 是单个版本的缓存快照集合。
type Generation interface {
	Tag() string

	// Match 返回 key 对应的快照副本，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 覆盖写入 key 对应的快照（last-write-wins）。若该代已被删除，返回 ErrGenerationGone。
	Put(ctx context.Context, key Key, snap *Snapshot) error
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationNotFound 表示指定 tag 的缓存代不存在。
	ErrGenerationNotFound = errors.New("cache generation not found")
	// ErrGenerationGone 表示写入的目标代已从索引中删除。
	ErrGenerationGone = errors.New("cache generation deleted")
	// ErrInvalidTag 表示 tag 为空或包含路径字符。
	ErrInvalidTag = errors.New("invalid cache generation tag")
)

// Key 唯一定位一个缓存条目：请求方法 + 去掉 fragment 的完整 URL。
type Key struct {
	Method string
	URL    string
}

// KeyFor 从请求派生缓存 Key。
func KeyFor(req *http.Request) Key {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	// 服务端按 RequestURI 解析时 '#' 会留在 query 或 path 中。
	if i := strings.IndexByte(u.RawQuery, '#'); i >= 0 {
		u.RawQuery = u.RawQuery[:i]
	} else if u.RawQuery == "" && strings.Contains(u.RawPath, "#") {
		// 字面 '#' 只会出现在 RawPath 中，%23 编码的路径保持不变。
		raw := u.RawPath[:strings.IndexByte(u.RawPath, '#')]
		if p, err := url.PathUnescape(raw); err == nil {
			u.Path, u.RawPath = p, raw
		}
	}
	return Key{Method: method, URL: u.String()}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// digest 返回 Key 的 sha1 十六进制摘要，供磁盘/leveldb 布局使用。
func (k Key) digest() string {
	sum := sha1.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// ValidateTag 检查 tag 能否安全地用作目录名或键前缀。
func ValidateTag(tag string) error {
	switch {
	case strings.TrimSpace(tag) == "":
		return ErrInvalidTag
	case tag != strings.TrimSpace(tag):
		return ErrInvalidTag
	case strings.HasPrefix(tag, "."):
		return ErrInvalidTag
	case strings.ContainsAny(tag, "/\\\x00"):
		return ErrInvalidTag
	}
	return nil
}
