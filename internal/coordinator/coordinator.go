// Package coordinator deduplicates concurrent requests for the same song so
// that at most one fetch runs per id, and fans its single outcome out to every
// caller that asked while it was in flight.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/cache"
	"github.com/partyplay/songcache/internal/logging"
	"github.com/partyplay/songcache/internal/metrics"
	"github.com/partyplay/songcache/internal/upstream"
)

// Fetcher 执行一次完整下载链路，返回 nil 表示条目已提交。
type Fetcher interface {
	Fetch(ctx context.Context, id string, loc upstream.StreamLocation) error
}

// Waiter 是一次 Prepare 注册的回调对，任一字段可以为 nil。
type Waiter struct {
	OnSuccess func()
	OnFailure func(error)
}

type pending struct {
	waiters []Waiter
	started time.Time
}

// Options 描述 Coordinator 的依赖。
type Options struct {
	Backend string
	Store   cache.Store
	Fetcher Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Observer
	// BaseContext 是所有下载共享的父 context，只在进程退出时取消。
	BaseContext context.Context
}

// Coordinator 以单把全局锁保护 pending 表；检查与登记在同一临界区内完成。
type Coordinator struct {
	backend string
	store   cache.Store
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *metrics.Observer
	baseCtx context.Context

	mu      sync.Mutex
	pending map[string]*pending
}

// New 校验依赖并返回 Coordinator。
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Coordinator{
		backend: opts.Backend,
		store:   opts.Store,
		fetcher: opts.Fetcher,
		logger:  logger,
		metrics: opts.Metrics,
		baseCtx: base,
		pending: make(map[string]*pending),
	}, nil
}

// Prepare 确保 id 对应的条目最终处于已提交状态，并恰好调用一次 onSuccess
// 或 onFailure。id 非法时同步返回 cache.ErrInvalidID 且不调用任何回调。
//
// 已有下载进行中时只登记回调；条目已提交时在当前 goroutine 内直接回调
// onSuccess；否则登记并启动新的下载。
func (c *Coordinator) Prepare(id string, onSuccess func(), onFailure func(error)) error {
	if err := cache.ValidateID(id); err != nil {
		c.metrics.RecordPrepare(c.backend, metrics.PrepareInvalid)
		return err
	}
	waiter := Waiter{OnSuccess: onSuccess, OnFailure: onFailure}

	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		p.waiters = append(p.waiters, waiter)
		joined := len(p.waiters)
		c.mu.Unlock()
		c.metrics.RecordPrepare(c.backend, metrics.PrepareJoined)
		c.logger.WithFields(logging.RequestFields(c.backend, id, "")).
			WithField("waiters", joined).Debug("prepare_joined")
		return nil
	}
	if c.store.Exists(id) {
		c.mu.Unlock()
		c.metrics.RecordPrepare(c.backend, metrics.PrepareHit)
		c.deliver(id, 0, waiter, nil)
		return nil
	}
	c.pending[id] = &pending{waiters: []Waiter{waiter}, started: time.Now()}
	c.mu.Unlock()

	c.metrics.RecordPrepare(c.backend, metrics.PrepareMiss)
	c.logger.WithFields(logging.RequestFields(c.backend, id, "")).Info("prepare_fetch_started")
	go c.run(id)
	return nil
}

// Wait 是 Prepare 的阻塞版本，供 HTTP handler 使用。ctx 结束只影响调用方
// 自身，不会取消正在进行的下载。
func (c *Coordinator) Wait(ctx context.Context, id string) error {
	done := make(chan error, 1)
	err := c.Prepare(id,
		func() { done <- nil },
		func(err error) { done <- err },
	)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending 返回当前正在下载的 id，按字典序排列。
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) run(id string) {
	// 下载只跟随进程级 context，与任何调用方的请求生命周期无关。
	ctx := c.baseCtx

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("fetch panicked: %v", r)
			}
		}()
		err = c.fetcher.Fetch(ctx, id, upstream.StreamLocation{})
	}()

	c.mu.Lock()
	p := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if p == nil {
		return
	}

	fields := logging.RequestFields(c.backend, id, "")
	fields["waiters"] = len(p.waiters)
	fields["elapsed_ms"] = time.Since(p.started).Milliseconds()
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("prepare_failed")
	} else {
		c.logger.WithFields(fields).Info("prepare_ready")
	}
	for i, w := range p.waiters {
		c.deliver(id, i, w, err)
	}
}

// deliver 调用单个回调；回调 panic 会被记录，不影响后续等待者。
func (c *Coordinator) deliver(id string, index int, w Waiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logging.RequestFields(c.backend, id, "")).
				WithField("waiter", index).
				Errorf("prepare handler panicked: %v", r)
		}
	}()
	if err == nil {
		if w.OnSuccess != nil {
			w.OnSuccess()
		}
		return
	}
	if w.OnFailure != nil {
		w.OnFailure(err)
	}
}
