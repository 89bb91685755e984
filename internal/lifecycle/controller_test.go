package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/postflow/edge-cache/internal/cache"
)

type originStub struct {
	server *httptest.Server
	hits   atomic.Int64
	assets map[string]string
}

func newOriginStub(t *testing.T, assets map[string]string) *originStub {
	t.Helper()
	stub := &originStub{assets: assets}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		body, ok := stub.assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *originStub) url(path string) string {
	return s.server.URL + path
}

func newTestController(t *testing.T, store cache.Store, stub *originStub) *Controller {
	t.Helper()
	origin, err := url.Parse(stub.server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	ctrl, err := New(Options{Store: store, Client: stub.server.Client(), Origin: origin})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl
}

func matchBody(t *testing.T, gen cache.Generation, rawURL string) (string, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	snap, err := gen.Match(context.Background(), cache.KeyFor(req))
	if err != nil {
		return "", err
	}
	return string(snap.Body), nil
}

func TestInstallAndActivate(t *testing.T) {
	stub := newOriginStub(t, map[string]string{"/": "root", "/index.html": "index"})
	store := cache.NewMemoryStore()
	ctrl := newTestController(t, store, stub)
	ctx := context.Background()

	if _, err := ctrl.Current(ctx); !errors.Is(err, ErrNotActive) {
		t.Fatalf("安装前不应有活跃代: %v", err)
	}
	if err := ctrl.Install(ctx, Manifest{Version: "v1", Seed: []string{"/", "/index.html"}}); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	status := ctrl.Status()
	if status.State != StateWaitingActivation || status.Pending != "v1" || status.Updating {
		t.Fatalf("unexpected status after install: %+v", status)
	}
	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	gen, err := ctrl.Current(ctx)
	if err != nil || gen.Tag() != "v1" {
		t.Fatalf("v1 应为活跃代: %v", err)
	}
	body, err := matchBody(t, gen, stub.url("/index.html"))
	if err != nil || body != "index" {
		t.Fatalf("预热内容缺失: %q %v", body, err)
	}
	if status := ctrl.Status(); status.State != StateActive || status.Active != "v1" || status.Pending != "" {
		t.Fatalf("unexpected status after activate: %+v", status)
	}
}

func TestInstallFailureDiscardsGeneration(t *testing.T) {
	stub := newOriginStub(t, map[string]string{"/": "root"})
	store := cache.NewMemoryStore()
	ctrl := newTestController(t, store, stub)
	ctx := context.Background()

	err := ctrl.Install(ctx, Manifest{Version: "v1", Seed: []string{"/", "/missing.js"}})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("预热 404 应导致安装失败: %v", err)
	}
	tags, _ := store.Tags(ctx)
	if len(tags) != 0 {
		t.Fatalf("失败的安装不应留下缓存代: %v", tags)
	}
	status := ctrl.Status()
	if status.State != StateIdle || status.LastError == "" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if err := ctrl.Activate(ctx); !errors.Is(err, ErrNothingToActivate) {
		t.Fatalf("失败安装后不应可激活: %v", err)
	}
}

func TestFailedUpgradeKeepsPreviousGeneration(t *testing.T) {
	stub := newOriginStub(t, map[string]string{"/": "root-v1"})
	store := cache.NewMemoryStore()
	ctrl := newTestController(t, store, stub)
	ctx := context.Background()

	if err := ctrl.Install(ctx, Manifest{Version: "v1", Seed: []string{"/"}}); err != nil {
		t.Fatalf("install v1: %v", err)
	}
	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("activate v1: %v", err)
	}

	if err := ctrl.Install(ctx, Manifest{Version: "v2", Seed: []string{"/", "/new.js"}}); err == nil {
		t.Fatalf("缺失的 seed 应导致 v2 安装失败")
	}

	gen, err := ctrl.Current(ctx)
	if err != nil || gen.Tag() != "v1" {
		t.Fatalf("v1 应继续服务: %v", err)
	}
	body, err := matchBody(t, gen, stub.url("/"))
	if err != nil || body != "root-v1" {
		t.Fatalf("v1 条目应仍可查询: %q %v", body, err)
	}
	tags, _ := store.Tags(ctx)
	if len(tags) != 1 || tags[0] != "v1" {
		t.Fatalf("unexpected tags: %v", tags)
	}
	if status := ctrl.Status(); status.State != StateActive || status.Updating {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestUpgradeReclaimsOldGenerations(t *testing.T) {
	stub := newOriginStub(t, map[string]string{"/": "root", "/index.html": "index", "/new.js": "new"})
	store := cache.NewMemoryStore()
	ctrl := newTestController(t, store, stub)
	ctx := context.Background()

	// 遗留的旧代也应在激活时被回收。
	if _, err := store.Open(ctx, "v0"); err != nil {
		t.Fatalf("open v0: %v", err)
	}

	if err := ctrl.Install(ctx, Manifest{Version: "v1", Seed: []string{"/", "/index.html"}}); err != nil {
		t.Fatalf("install v1: %v", err)
	}
	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	oldGen, _ := ctrl.Current(ctx)

	if err := ctrl.Install(ctx, Manifest{Version: "v2", Seed: []string{"/", "/index.html", "/new.js"}}); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	status := ctrl.Status()
	if !status.Updating || status.Active != "v1" || status.Pending != "v2" {
		t.Fatalf("v2 等待激活时 v1 应继续服务: %+v", status)
	}
	if gen, _ := ctrl.Current(ctx); gen.Tag() != "v1" {
		t.Fatalf("激活前不应切换活跃代")
	}

	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	tags, _ := store.Tags(ctx)
	if len(tags) != 1 || tags[0] != "v2" {
		t.Fatalf("激活后应只剩 v2: %v", tags)
	}
	gen, _ := ctrl.Current(ctx)
	body, err := matchBody(t, gen, stub.url("/new.js"))
	if err != nil || body != "new" {
		t.Fatalf("/new.js 应可从缓存获取: %q %v", body, err)
	}

	// 已持有旧句柄的读取可以完成，但旧代不能被写回。
	if _, err := oldGen.Match(ctx, cache.KeyFor(httptest.NewRequest(http.MethodGet, stub.url("/"), nil))); err != nil && !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("旧句柄读取不应报错: %v", err)
	}
	late := cache.NewSnapshot(http.StatusOK, nil, []byte("late"), stub.url("/late.js"))
	if err := oldGen.Put(ctx, cache.KeyFor(httptest.NewRequest(http.MethodGet, stub.url("/late.js"), nil)), late); !errors.Is(err, cache.ErrGenerationGone) {
		t.Fatalf("迟到写入应返回 ErrGenerationGone: %v", err)
	}
}

func TestReinstallActiveVersionKeepsGeneration(t *testing.T) {
	stub := newOriginStub(t, map[string]string{"/": "root"})
	store := cache.NewMemoryStore()
	ctrl := newTestController(t, store, stub)
	ctx := context.Background()

	if err := ctrl.Install(ctx, Manifest{Version: "v1", Seed: []string{"/"}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := ctrl.Install(ctx, Manifest{Version: "v1", Seed: []string{"/gone"}}); err == nil {
		t.Fatalf("expected install failure")
	}
	tags, _ := store.Tags(ctx)
	if len(tags) != 1 || tags[0] != "v1" {
		t.Fatalf("活跃代不应因重装失败被删除: %v", tags)
	}
}

func TestAdoptStoredGeneration(t *testing.T) {
	stub := newOriginStub(t, nil)
	store := cache.NewMemoryStore()
	ctrl := newTestController(t, store, stub)
	ctx := context.Background()

	if err := ctrl.Adopt(ctx, "v1"); !errors.Is(err, cache.ErrGenerationNotFound) {
		t.Fatalf("不存在的代不能被接管: %v", err)
	}
	if _, err := store.Open(ctx, "v1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ctrl.Adopt(ctx, "v1"); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	gen, err := ctrl.Current(ctx)
	if err != nil || gen.Tag() != "v1" {
		t.Fatalf("adopt 后 v1 应为活跃代: %v", err)
	}
	if stub.hits.Load() != 0 {
		t.Fatalf("adopt 不应发起网络请求")
	}
}

type failingDeleteStore struct {
	cache.Store
}

func (s failingDeleteStore) Delete(ctx context.Context, tag string) (bool, error) {
	return false, errors.New("disk busy")
}

func TestActivateJoinsReclaimErrors(t *testing.T) {
	stub := newOriginStub(t, map[string]string{"/": "root"})
	inner := cache.NewMemoryStore()
	ctx := context.Background()
	for _, tag := range []string{"old-a", "old-b"} {
		if _, err := inner.Open(ctx, tag); err != nil {
			t.Fatalf("open %s: %v", tag, err)
		}
	}
	ctrl := newTestController(t, failingDeleteStore{Store: inner}, stub)

	if err := ctrl.Install(ctx, Manifest{Version: "v1", Seed: []string{"/"}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	err := ctrl.Activate(ctx)
	if err == nil || !strings.Contains(err.Error(), "old-a") || !strings.Contains(err.Error(), "old-b") {
		t.Fatalf("回收失败应合并返回: %v", err)
	}
	if gen, err := ctrl.Current(ctx); err != nil || gen.Tag() != "v1" {
		t.Fatalf("回收失败不应回滚激活: %v", err)
	}
}

func TestInstallRejectsInvalidVersion(t *testing.T) {
	stub := newOriginStub(t, nil)
	ctrl := newTestController(t, cache.NewMemoryStore(), stub)
	if err := ctrl.Install(context.Background(), Manifest{Version: "../x"}); !errors.Is(err, cache.ErrInvalidTag) {
		t.Fatalf("非法版本应被拒绝: %v", err)
	}
}
