package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/postflow/edge-cache/internal/cache"
	"github.com/postflow/edge-cache/internal/logging"
)

const defaultConcurrency = 4

// Fetcher 执行预热请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 描述 Controller 的依赖。
type Options struct {
	Store  cache.Store
	Client Fetcher
	// Origin 是预热清单中相对路径的解析基准。
	Origin *url.URL
	Logger *logrus.Logger
	// Concurrency 限制同时进行的预热请求数，<=0 时取默认值。
	Concurrency int
}

// Controller 管理缓存代的安装、激活与回收。
type Controller struct {
	store       cache.Store
	client      Fetcher
	origin      *url.URL
	logger      *logrus.Logger
	concurrency int

	// opMu 串行化 Install/Activate/Adopt。
	opMu   sync.Mutex
	active atomic.Pointer[activeGeneration]

	mu          sync.RWMutex
	state       State
	pending     cache.Generation
	installing  string
	lastErr     string
	installedAt time.Time
	activatedAt time.Time
}

type activeGeneration struct {
	gen cache.Generation
}

type seedEntry struct {
	key  cache.Key
	snap *cache.Snapshot
}

// New 构造 Controller，初始状态为 idle。
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("lifecycle: origin is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Controller{
		store:       opts.Store,
		client:      client,
		origin:      opts.Origin,
		logger:      logging.OrDiscard(opts.Logger),
		concurrency: concurrency,
		state:       StateIdle,
	}, nil
}

// Current 返回正在服务的缓存代。
func (c *Controller) Current(ctx context.Context) (cache.Generation, error) {
	if current := c.active.Load(); current != nil {
		return current.gen, nil
	}
	return nil, ErrNotActive
}

// Install 创建（或复用）manifest 对应的缓存代，并发拉取全部预热 URL 后统一写入。
// 任一预热失败都会中止安装：本次新建的代被删除，活跃代继续服务。
func (c *Controller) Install(ctx context.Context, manifest Manifest) error {
	if err := cache.ValidateTag(manifest.Version); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	prevState := c.beginInstall(manifest.Version)
	fields := logging.LifecycleFields("install", manifest.Version, string(StateInstalling))
	c.logger.WithFields(fields).WithField("seed_count", len(manifest.Seed)).Info("cache generation install started")

	gen, created, err := c.openGeneration(ctx, manifest.Version)
	if err != nil {
		c.failInstall(prevState, err)
		return fmt.Errorf("open generation %s: %w", manifest.Version, err)
	}

	if err := c.populate(ctx, gen, manifest.Seed); err != nil {
		c.discard(ctx, manifest.Version, created)
		c.failInstall(prevState, err)
		c.logger.WithFields(fields).WithError(err).Warn("cache generation install failed")
		return fmt.Errorf("install %s: %w", manifest.Version, err)
	}

	c.mu.Lock()
	c.state = StateWaitingActivation
	c.pending = gen
	c.installing = ""
	c.lastErr = ""
	c.installedAt = time.Now()
	c.mu.Unlock()

	c.logger.WithFields(logging.LifecycleFields("install", manifest.Version, string(StateWaitingActivation))).
		Info("cache generation installed")
	return nil
}

// Activate 提升已安装的缓存代为活跃代，随后删除其余全部 tag。
// 删除失败会合并进返回的 error，但激活本身不回滚。
func (c *Controller) Activate(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	gen := c.pending
	if gen == nil {
		c.mu.Unlock()
		return ErrNothingToActivate
	}
	c.active.Store(&activeGeneration{gen: gen})
	c.pending = nil
	c.state = StateActive
	c.activatedAt = time.Now()
	c.mu.Unlock()

	c.logger.WithFields(logging.LifecycleFields("activate", gen.Tag(), string(StateActive))).
		Info("cache generation activated")

	if err := c.reclaim(ctx, gen.Tag()); err != nil {
		c.recordError(err)
		return err
	}
	return nil
}

// Adopt 直接把已存储的缓存代设为活跃代，不做预热。
func (c *Controller) Adopt(ctx context.Context, tag string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	gen, err := c.store.Get(ctx, tag)
	if err != nil {
		return fmt.Errorf("adopt %s: %w", tag, err)
	}

	c.mu.Lock()
	c.active.Store(&activeGeneration{gen: gen})
	if c.pending != nil && c.pending.Tag() == tag {
		c.pending = nil
	}
	if c.pending == nil {
		c.state = StateActive
	}
	c.activatedAt = time.Now()
	c.mu.Unlock()

	c.logger.WithFields(logging.LifecycleFields("adopt", tag, string(StateActive))).
		Info("stored cache generation adopted")
	return nil
}

// Status 返回当前状态快照。
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := Status{
		State:       c.state,
		Installing:  c.installing,
		LastError:   c.lastErr,
		InstalledAt: c.installedAt,
		ActivatedAt: c.activatedAt,
	}
	if c.pending != nil {
		status.Pending = c.pending.Tag()
	}
	if current := c.active.Load(); current != nil {
		status.Active = current.gen.Tag()
		status.Updating = c.state == StateInstalling || c.state == StateWaitingActivation
	}
	return status
}

// Tags 返回存储中现有的缓存代。
func (c *Controller) Tags(ctx context.Context) ([]string, error) {
	return c.store.Tags(ctx)
}

func (c *Controller) beginInstall(tag string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = StateInstalling
	c.installing = tag
	return prev
}

func (c *Controller) failInstall(prev State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = prev
	c.installing = ""
	c.lastErr = err.Error()
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Controller) openGeneration(ctx context.Context, tag string) (cache.Generation, bool, error) {
	created := false
	if _, err := c.store.Get(ctx, tag); err != nil {
		if !errors.Is(err, cache.ErrGenerationNotFound) {
			return nil, false, err
		}
		created = true
	}
	gen, err := c.store.Open(ctx, tag)
	if err != nil {
		return nil, false, err
	}
	return gen, created, nil
}

// discard 删除安装失败的代；正在服务或待激活的 tag 保持不动。
func (c *Controller) discard(ctx context.Context, tag string, created bool) {
	if !created {
		return
	}
	if current := c.active.Load(); current != nil && current.gen.Tag() == tag {
		return
	}
	c.mu.RLock()
	pending := c.pending
	c.mu.RUnlock()
	if pending != nil && pending.Tag() == tag {
		return
	}
	if _, err := c.store.Delete(context.WithoutCancel(ctx), tag); err != nil {
		c.logger.WithFields(logging.LifecycleFields("install", tag, string(StateInstalling))).
			WithError(err).Warn("failed to discard aborted generation")
	}
}

// populate 先并发拉取全部预热 URL，全部成功后才写入，避免半成品代。
func (c *Controller) populate(ctx context.Context, gen cache.Generation, seeds []string) error {
	entries := make([]seedEntry, len(seeds))

	p := pool.New().
		WithErrors().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(c.concurrency)
	for i, raw := range seeds {
		p.Go(func(ctx context.Context) error {
			entry, err := c.fetchSeed(ctx, raw)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := gen.Put(ctx, entry.key, entry.snap); err != nil {
			return fmt.Errorf("store seed %s: %w", entry.key.URL, err)
		}
	}
	return nil
}

func (c *Controller) fetchSeed(ctx context.Context, raw string) (seedEntry, error) {
	target, err := c.resolve(raw)
	if err != nil {
		return seedEntry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return seedEntry{}, fmt.Errorf("build seed request %s: %w", raw, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return seedEntry{}, fmt.Errorf("fetch seed %s: %w", raw, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return seedEntry{}, fmt.Errorf("fetch seed %s: unexpected status %d", raw, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return seedEntry{}, fmt.Errorf("read seed %s: %w", raw, err)
	}

	finalURL := target.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return seedEntry{
		key:  cache.KeyFor(req),
		snap: cache.NewSnapshot(resp.StatusCode, resp.Header, body, finalURL),
	}, nil
}

func (c *Controller) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse seed %q: %w", raw, err)
	}
	return c.origin.ResolveReference(ref), nil
}

// reclaim 删除除 keep 以外的全部缓存代。
func (c *Controller) reclaim(ctx context.Context, keep string) error {
	tags, err := c.store.Tags(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}

	var errs []error
	for _, tag := range tags {
		if tag == keep {
			continue
		}
		fields := logging.LifecycleFields("reclaim", tag, string(StateActive))
		if _, err := c.store.Delete(ctx, tag); err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("failed to delete stale generation")
			errs = append(errs, fmt.Errorf("delete generation %s: %w", tag, err))
			continue
		}
		c.logger.WithFields(fields).Info("stale cache generation deleted")
	}
	return errors.Join(errs...)
}
