package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/alerthub/alerthub/internal/logging"
)

const (
	defaultCapacity     = 5000
	defaultPopularLimit = 10
)

// Fetcher 在缓存未命中时生成值。传入的 ctx 与触发请求的调用方解耦，
// 调用方放弃等待不会中断其余等待者共享的这次获取。
type Fetcher func(ctx context.Context) (any, error)

// Options 描述 Proxy 的容量、默认 TTL 以及可注入的依赖。
type Options struct {
	Capacity   int
	DefaultTTL time.Duration
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Proxy 是带 TTL 的 LRU 缓存，负责合并同 key 的并发回源。
type Proxy struct {
	mu         sync.Mutex
	entries    *simplelru.LRU[string, *Entry]
	popularity map[string]uint64
	hits       uint64
	misses     uint64

	capacity   int
	defaultTTL time.Duration
	logger     *logrus.Logger
	now        func() time.Time

	group    singleflight.Group
	inFlight atomic.Int64
}

// New 构建 Proxy；Capacity 非正时回退到 5000。
func New(opts Options) *Proxy {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	p := &Proxy{
		popularity: make(map[string]uint64),
		capacity:   capacity,
		defaultTTL: opts.DefaultTTL,
		logger:     logger,
		now:        now,
	}
	entries, err := simplelru.NewLRU[string, *Entry](capacity, nil)
	if err != nil {
		panic(fmt.Sprintf("cache: %v", err))
	}
	p.entries = entries
	return p
}

// Get 返回 key 对应的有效值。未命中且 fetcher 为 nil 时返回 ErrMiss；
// 否则同一 key 的并发调用只会触发一次 fetcher，成功结果按 ttl 写入后返回给全部等待者。
func (p *Proxy) Get(ctx context.Context, key string, fetcher Fetcher, ttl time.Duration) (any, error) {
	if value, ok := p.Lookup(key); ok {
		return value, nil
	}
	if fetcher == nil {
		return nil, ErrMiss
	}

	ch := p.group.DoChan(key, func() (any, error) {
		return p.fetch(context.WithoutCancel(ctx), key, fetcher, ttl)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup 只读缓存，不触发回源；会计入命中率与访问热度。
func (p *Proxy) Lookup(key string) (any, bool) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.popularity[key]++
	entry, ok := p.liveEntryLocked(key, now)
	if !ok {
		p.misses++
		return nil, false
	}
	entry.touch(now)
	p.hits++
	return entry.Value, true
}

// Peek 返回条目快照，不更新 LRU 顺序与统计。
func (p *Proxy) Peek(key string) (Entry, bool) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries.Peek(key)
	if !ok || entry.Expired(now) {
		return Entry{}, false
	}
	return *entry, true
}

// Set 写入或覆盖条目；容量已满时先淘汰最久未访问的条目，不考虑其剩余 TTL。
func (p *Proxy) Set(key string, value any, opts SetOptions) {
	now := p.now()
	entry := &Entry{
		Key:         key,
		Value:       value,
		CreatedAt:   now,
		LastAccess:  now,
		ETag:        opts.ETag,
		ContentType: opts.ContentType,
	}
	if ttl := p.resolveTTL(opts.TTL); ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	p.mu.Lock()
	var victim string
	if !p.entries.Contains(key) && p.entries.Len() >= p.capacity {
		victim, _, _ = p.entries.GetOldest()
	}
	evicted := p.entries.Add(key, entry)
	p.mu.Unlock()

	if evicted {
		p.logger.WithFields(logging.CacheFields("cache_evict", victim, false)).Debug("cache_evicted_oldest")
	}
}

// Invalidate 删除单个 key，返回是否存在。
func (p *Proxy) Invalidate(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Remove(key)
}

// InvalidatePrefix 删除所有以 prefix 开头的 key，返回删除数量。
func (p *Proxy) InvalidatePrefix(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for _, key := range p.entries.Keys() {
		if strings.HasPrefix(key, prefix) && p.entries.Remove(key) {
			removed++
		}
	}
	return removed
}

// Clear 清空所有条目与访问热度，命中统计保留。
func (p *Proxy) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries.Purge()
	p.popularity = make(map[string]uint64)
}

// ConditionalGet 实现 If-None-Match 语义：标签匹配时 notModified 为 true 且不返回值。
// key 不存在或已过期时三个返回值均为零值。
func (p *Proxy) ConditionalGet(key, ifNoneMatch string) (value any, etag string, notModified bool) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.liveEntryLocked(key, now)
	if !ok {
		return nil, "", false
	}
	entry.touch(now)
	if etagMatches(ifNoneMatch, entry.ETag) {
		return nil, entry.ETag, true
	}
	return entry.Value, entry.ETag, false
}

// Warm 并发执行所有 fetcher 并写入默认 TTL，各 key 的成败互不影响。
// 与 Get 共享同一个 singleflight 组，预热期间的并发读取不会重复回源。
func (p *Proxy) Warm(ctx context.Context, fetchers map[string]Fetcher) map[string]bool {
	results := make(map[string]bool, len(fetchers))
	var resultsMu sync.Mutex

	var wg conc.WaitGroup
	for key, fetcher := range fetchers {
		wg.Go(func() {
			_, err, _ := p.group.Do(key, func() (any, error) {
				return p.fetch(ctx, key, fetcher, 0)
			})
			resultsMu.Lock()
			results[key] = err == nil
			resultsMu.Unlock()
		})
	}
	wg.Wait()

	return results
}

// Popular 按访问次数降序返回前 limit 个 key，次数相同时按 key 排序。
func (p *Proxy) Popular(limit int) []KeyCount {
	if limit <= 0 {
		limit = defaultPopularLimit
	}

	p.mu.Lock()
	ranked := make([]KeyCount, 0, len(p.popularity))
	for key, count := range p.popularity {
		ranked = append(ranked, KeyCount{Key: key, Count: count})
	}
	p.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Key < ranked[j].Key
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Stats 返回当前统计快照；HitRate 为百分比。
func (p *Proxy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Size:        p.entries.Len(),
		Capacity:    p.capacity,
		Hits:        p.hits,
		Misses:      p.misses,
		InFlight:    p.inFlight.Load(),
		TrackedKeys: len(p.popularity),
	}
	if total := p.hits + p.misses; total > 0 {
		stats.HitRate = float64(p.hits) / float64(total) * 100
	}
	return stats
}

func (p *Proxy) fetch(ctx context.Context, key string, fetcher Fetcher, ttl time.Duration) (value any, err error) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			err = &FetchError{Key: key, Err: fmt.Errorf("fetcher panic: %v", r)}
		}
		if err != nil {
			p.logger.WithFields(logging.CacheFields("cache_fetch", key, false)).
				WithError(err).Warn("cache_fetch_failed")
		}
	}()

	value, err = fetcher(ctx)
	if err != nil {
		return nil, &FetchError{Key: key, Err: err}
	}

	opts := SetOptions{TTL: ttl}
	if body, ok := value.([]byte); ok {
		opts.ETag = ETagFor(body)
	}
	p.Set(key, value, opts)
	return value, nil
}

// liveEntryLocked 返回未过期的条目并刷新其 LRU 位置；过期条目在此被惰性删除。
func (p *Proxy) liveEntryLocked(key string, now time.Time) (*Entry, bool) {
	entry, ok := p.entries.Get(key)
	if !ok {
		return nil, false
	}
	if entry.Expired(now) {
		p.entries.Remove(key)
		return nil, false
	}
	return entry, true
}

func (p *Proxy) resolveTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return p.defaultTTL
	}
	return ttl
}
