package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postflow/edge-cache/internal/cache"
	"github.com/postflow/edge-cache/internal/classify"
	"github.com/postflow/edge-cache/internal/lifecycle"
	"github.com/postflow/edge-cache/internal/logging"
	"github.com/postflow/edge-cache/internal/server"
)

// Outcome 描述一次请求最终走的路径。
type Outcome string

const (
	// OutcomeBypass 表示请求被分类为动态流量，直接走网络。
	OutcomeBypass Outcome = "bypass"
	// OutcomeHit 表示从活跃缓存代返回，未发起网络请求。
	OutcomeHit Outcome = "hit"
	// OutcomeMiss 表示回源成功且响应体将在读完后写入缓存。
	OutcomeMiss Outcome = "miss"
	// OutcomeUncacheable 表示回源响应非 200、跨源或超出大小限制，不写缓存。
	OutcomeUncacheable Outcome = "uncacheable"
	// OutcomePassthrough 表示没有可用缓存代（未激活或存储故障），退化为纯网络。
	OutcomePassthrough Outcome = "passthrough"
)

const defaultPersistTimeout = 10 * time.Second

// Generations 提供当前活跃的缓存代，lifecycle.Controller 满足该接口。
type Generations interface {
	Current(ctx context.Context) (cache.Generation, error)
}

// Doer 执行网络请求。不要传入以 Proxy 为 Transport 的 client。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 描述 Proxy 的依赖。
type Options struct {
	Client      Doer
	Generations Generations
	Classifier  classify.Classifier
	// Origin 是页面源，最终 URL 与之不同源的响应视为 opaque。
	Origin *url.URL
	Logger *logrus.Logger
	// MaxEntrySize 限制单条缓存的 body 大小，<=0 表示不限制。
	MaxEntrySize   int64
	PersistTimeout time.Duration
}

// Proxy 按分类结果在网络与缓存代之间选择响应来源。
type Proxy struct {
	client         Doer
	generations    Generations
	classifier     classify.Classifier
	origin         string
	logger         *logrus.Logger
	maxEntrySize   int64
	persistTimeout time.Duration

	pending sync.WaitGroup
}

// New 构造 Proxy。
func New(opts Options) (*Proxy, error) {
	if opts.Client == nil {
		return nil, errors.New("proxy: client is required")
	}
	if opts.Generations == nil {
		return nil, errors.New("proxy: generations provider is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("proxy: origin is required")
	}
	classifier := opts.Classifier
	if classifier == nil {
		set, err := classify.NewSet(classify.Options{Rules: classify.DefaultRules()})
		if err != nil {
			return nil, err
		}
		classifier = set
	}
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	return &Proxy{
		client:         opts.Client,
		generations:    opts.Generations,
		classifier:     classifier,
		origin:         originOf(opts.Origin),
		logger:         logging.OrDiscard(opts.Logger),
		maxEntrySize:   opts.MaxEntrySize,
		persistTimeout: timeout,
	}, nil
}

// RoundTrip 实现 http.RoundTripper。
func (p *Proxy) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, _, err := p.Resolve(req)
	return resp, err
}

// Resolve 处理单个请求并返回响应与所走路径。网络错误原样返回，不写缓存。
func (p *Proxy) Resolve(req *http.Request) (*http.Response, Outcome, error) {
	decision := p.classifier.Classify(req)
	if decision.Bypassed() {
		p.logger.WithFields(logging.RequestFields("", string(decision.Class), decision.Rule, string(OutcomeBypass))).
			WithField("url", req.URL.String()).
			Debug("request bypasses cache")
		resp, err := p.client.Do(req)
		return resp, OutcomeBypass, err
	}

	ctx := req.Context()
	gen, err := p.generations.Current(ctx)
	if err != nil {
		if !errors.Is(err, lifecycle.ErrNotActive) {
			p.logger.WithError(err).WithField("action", "cache_current").Warn("cache generation unavailable")
		}
		return p.passthrough(req)
	}

	key := cache.KeyFor(req)
	snap, err := gen.Match(ctx, key)
	switch {
	case err == nil:
		return snap.Response(req), OutcomeHit, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		p.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "cache_match",
			"generation": gen.Tag(),
			"key":        key.String(),
		}).Warn("cache lookup failed")
		return p.passthrough(req)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, OutcomeMiss, err
	}
	finalURL := finalURLOf(resp, req)
	if !p.storable(resp, finalURL) {
		return resp, OutcomeUncacheable, nil
	}

	header := server.StripHopByHop(resp.Header.Clone())
	status := resp.StatusCode
	resp.Body = newTeeBody(resp.Body, p.maxEntrySize, func(body []byte) {
		p.persist(gen, key, cache.NewSnapshot(status, header, body, finalURL.String()))
	})
	return resp, OutcomeMiss, nil
}

// Wait 阻塞直到后台写入全部结束，用于测试与优雅退出。
func (p *Proxy) Wait() {
	p.pending.Wait()
}

func (p *Proxy) passthrough(req *http.Request) (*http.Response, Outcome, error) {
	resp, err := p.client.Do(req)
	return resp, OutcomePassthrough, err
}

// storable 只接受同源的 200 响应，且声明的长度不超过上限。
func (p *Proxy) storable(resp *http.Response, finalURL *url.URL) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if originOf(finalURL) != p.origin {
		return false
	}
	if p.maxEntrySize > 0 && resp.ContentLength > p.maxEntrySize {
		return false
	}
	return true
}

// persist 在后台写入快照，与请求的 context 脱钩；失败只记日志，不影响已交付的响应。
func (p *Proxy) persist(gen cache.Generation, key cache.Key, snap *cache.Snapshot) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		fields := logrus.Fields{
			"action":     "cache_write",
			"generation": gen.Tag(),
			"key":        key.String(),
		}
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithFields(fields).WithError(fmt.Errorf("panic: %v", r)).Error("cache write panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.persistTimeout)
		defer cancel()

		if err := gen.Put(ctx, key, snap); err != nil {
			entry := p.logger.WithFields(fields).WithError(err)
			if errors.Is(err, cache.ErrGenerationGone) {
				entry.Debug("cache generation reclaimed before write")
				return
			}
			entry.Warn("cache write failed")
			return
		}
		p.logger.WithFields(fields).WithField("bytes", len(snap.Body)).Debug("cache entry stored")
	}()
}

func finalURLOf(resp *http.Response, req *http.Request) *url.URL {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL
	}
	return req.URL
}

func originOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
