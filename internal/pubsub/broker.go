package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alerthub/alerthub/internal/logging"
)

const (
	defaultMaxHistory   = 1000
	defaultHistoryLimit = 100
)

// Handler 同步处理一条消息；返回错误或 panic 只会被记录，不会影响发布方。
// Handler 内部可以继续 Publish（例如转发）；嵌套发布再次路由到自身时，
// 这一次投递会以 ErrReentrantDelivery 记录并跳过，其余订阅者照常收到。
type Handler func(ctx context.Context, msg Message) error

var (
	// ErrReentrantDelivery 表示订阅者在自己的 Handler 执行期间再次被路由到。
	ErrReentrantDelivery = errors.New("pubsub: re-entrant delivery to subscriber")
)

// deliveryChain 记录当前调用链上正在执行 Handler 的订阅者，经 ctx 向下传递。
type deliveryChain struct {
	id     string
	parent *deliveryChain
}

type deliveryChainKey struct{}

func (c *deliveryChain) contains(id string) bool {
	for node := c; node != nil; node = node.parent {
		if node.id == id {
			return true
		}
	}
	return false
}

func chainFrom(ctx context.Context) *deliveryChain {
	chain, _ := ctx.Value(deliveryChainKey{}).(*deliveryChain)
	return chain
}

// Options 控制 Broker 的历史长度、日志与主题目录。
type Options struct {
	MaxHistory int
	Logger     *logrus.Logger
	Catalog    *TopicCatalog
	Now        func() time.Time
}

// Subscriber 是对外暴露的订阅者快照。
type Subscriber struct {
	ID        string    `json:"id"`
	Topics    []string  `json:"topics"`
	Filters   Filters   `json:"filters,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type subscriber struct {
	id        string
	handler   Handler
	topics    map[string]struct{}
	expanded  map[string][]string // 通配主题 -> 订阅时展开得到的具体主题
	filters   Filters
	createdAt time.Time

	// slot 是容量为 1 的投递令牌，串行化对同一订阅者的投递；
	// 等待令牌时遵守发布方 ctx，不会无限阻塞。
	slot chan struct{}
}

// indexed 返回该订阅者应出现在索引中的全部主题。
func (s *subscriber) indexed() map[string]struct{} {
	result := make(map[string]struct{}, len(s.topics))
	for topic := range s.topics {
		result[topic] = struct{}{}
		for _, concrete := range s.expanded[topic] {
			result[concrete] = struct{}{}
		}
	}
	return result
}

// Broker 是进程内的主题路由器。
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	index       map[string]map[string]struct{}
	history     []Message

	maxHistory int
	catalog    *TopicCatalog
	logger     *logrus.Logger
	now        func() time.Time
}

// New 构建 Broker；未提供目录时使用预置告警主题。
func New(opts Options) *Broker {
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Broker{
		subscribers: make(map[string]*subscriber),
		index:       make(map[string]map[string]struct{}),
		maxHistory:  maxHistory,
		catalog:     catalog,
		logger:      logger,
		now:         now,
	}
}

// Catalog 返回 Broker 使用的主题目录。
func (b *Broker) Catalog() *TopicCatalog {
	return b.catalog
}

// Subscribe 注册订阅者；同一 id 再次订阅会先移除旧的注册。
// 以 ".*" 结尾的主题除自身外，还会按当前目录展开为所有同前缀主题。
// 展开只在订阅时发生：之后才登记的主题仍能经路由时的通配祖先送达，但不计入其 SubscriberCount。
func (b *Broker) Subscribe(id string, topics []string, handler Handler, filters Filters) bool {
	if id == "" || len(topics) == 0 || handler == nil {
		return false
	}

	sub := &subscriber{
		id:        id,
		handler:   handler,
		topics:    make(map[string]struct{}, len(topics)),
		expanded:  make(map[string][]string),
		filters:   filters,
		createdAt: b.now(),
		slot:      make(chan struct{}, 1),
	}
	for _, raw := range topics {
		topic := normalizeTopic(raw)
		if topic == "" {
			continue
		}
		sub.topics[topic] = struct{}{}
		if prefix, ok := wildcardPrefix(topic); ok {
			sub.expanded[topic] = b.catalog.matching(prefix)
		}
	}
	if len(sub.topics) == 0 {
		return false
	}

	b.mu.Lock()
	if prev, exists := b.subscribers[id]; exists {
		b.dropIndexLocked(id, prev.indexed())
	}
	b.subscribers[id] = sub
	for topic := range sub.indexed() {
		set, ok := b.index[topic]
		if !ok {
			set = make(map[string]struct{})
			b.index[topic] = set
		}
		set[id] = struct{}{}
	}
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"action":     "pubsub_subscribe",
		"subscriber": id,
		"topics":     sortedKeys(sub.topics),
	}).Info("subscriber_registered")
	return true
}

// Unsubscribe 移除指定主题，不传主题时移除全部；订阅者主题清空后被删除。
// 订阅者不存在时返回 false。
func (b *Broker) Unsubscribe(id string, topics ...string) bool {
	b.mu.Lock()
	sub, exists := b.subscribers[id]
	if !exists {
		b.mu.Unlock()
		return false
	}

	before := sub.indexed()
	if len(topics) == 0 {
		sub.topics = map[string]struct{}{}
		sub.expanded = map[string][]string{}
	} else {
		for _, raw := range topics {
			topic := normalizeTopic(raw)
			delete(sub.topics, topic)
			delete(sub.expanded, topic)
		}
	}
	after := sub.indexed()

	removed := make(map[string]struct{})
	for topic := range before {
		if _, keep := after[topic]; !keep {
			removed[topic] = struct{}{}
		}
	}
	b.dropIndexLocked(id, removed)

	remaining := len(sub.topics)
	if remaining == 0 {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"action":     "pubsub_unsubscribe",
		"subscriber": id,
		"removed":    sortedKeys(removed),
		"remaining":  remaining,
	}).Info("subscriber_unregistered")
	return true
}

// Publish 记录历史后同步投递给所有匹配的订阅者，全部投递结束才返回。
// 未知主题会被登记到目录中。
func (b *Broker) Publish(ctx context.Context, topic string, payload map[string]any) Message {
	topic = normalizeTopic(topic)
	msg := newMessage(topic, payload, b.now())
	b.catalog.Ensure(topic)

	b.mu.Lock()
	b.history = append(b.history, msg)
	if overflow := len(b.history) - b.maxHistory; overflow > 0 {
		trimmed := make([]Message, b.maxHistory)
		copy(trimmed, b.history[overflow:])
		b.history = trimmed
	}
	b.mu.Unlock()

	targets := b.route(topic)
	delivered := 0
	for _, sub := range targets {
		if !sub.filters.Matches(msg.Payload) {
			continue
		}
		if b.deliver(ctx, sub, msg) {
			delivered++
		}
	}

	b.logger.WithFields(logrus.Fields{
		"action":     "pubsub_publish",
		"topic":      topic,
		"message_id": msg.ID,
		"matched":    len(targets),
		"delivered":  delivered,
	}).Debug("message_published")
	return msg.clone()
}

// route 汇总精确主题、各级通配祖先以及 alerts.all 的订阅者，按 id 去重。
func (b *Broker) route(topic string) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make(map[string]struct{})
	collect := func(key string) {
		for id := range b.index[key] {
			ids[id] = struct{}{}
		}
	}

	collect(topic)
	parts := strings.Split(topic, ".")
	for i := range parts {
		collect(strings.Join(parts[:i+1], ".") + ".*")
	}
	if strings.HasPrefix(topic, NamespacePrefix) {
		collect(AllTopic)
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	result := make([]*subscriber, 0, len(ordered))
	for _, id := range ordered {
		if sub, ok := b.subscribers[id]; ok {
			result = append(result, sub)
		}
	}
	return result
}

func (b *Broker) deliver(ctx context.Context, sub *subscriber, msg Message) (ok bool) {
	chain := chainFrom(ctx)
	if chain.contains(sub.id) {
		b.logDeliveryFailure(sub.id, msg, ErrReentrantDelivery)
		return false
	}

	select {
	case sub.slot <- struct{}{}:
	case <-ctx.Done():
		b.logDeliveryFailure(sub.id, msg, fmt.Errorf("wait for subscriber: %w", ctx.Err()))
		return false
	}
	defer func() { <-sub.slot }()

	defer func() {
		if r := recover(); r != nil {
			b.logDeliveryFailure(sub.id, msg, fmt.Errorf("handler panic: %v", r))
			ok = false
		}
	}()

	ctx = context.WithValue(ctx, deliveryChainKey{}, &deliveryChain{id: sub.id, parent: chain})
	if err := sub.handler(ctx, msg.clone()); err != nil {
		b.logDeliveryFailure(sub.id, msg, err)
		return false
	}
	return true
}

func (b *Broker) logDeliveryFailure(id string, msg Message, err error) {
	b.logger.WithFields(logrus.Fields{
		"action":     "pubsub_deliver",
		"subscriber": id,
		"topic":      msg.Topic,
		"message_id": msg.ID,
	}).WithError(err).Error("subscriber_delivery_failed")
}

// History 返回按时间升序的历史消息（最新的在最后）。
// topic 为空或为 alerts.all 时不过滤主题；since 为零值时不过滤时间；limit 非正时取 100。
func (b *Broker) History(topic string, since time.Time, limit int) []Message {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	topic = normalizeTopic(topic)

	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]Message, 0, len(b.history))
	for _, msg := range b.history {
		if topic != "" && topic != AllTopic && msg.Topic != topic {
			continue
		}
		if !since.IsZero() && msg.Timestamp.Before(since) {
			continue
		}
		matched = append(matched, msg)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	for i := range matched {
		matched[i] = matched[i].clone()
	}
	return matched
}

// Topics 返回已知主题名称到描述的映射。
func (b *Broker) Topics() map[string]string {
	items := b.catalog.List()
	result := make(map[string]string, len(items))
	for _, topic := range items {
		result[topic.Name] = topic.Description
	}
	return result
}

// SubscriberCount 返回直接索引在该主题上的订阅者数量（含通配展开）。
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index[normalizeTopic(topic)])
}

// Subscribers 返回当前订阅者数量。
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Subscriber 返回指定订阅者的快照。
func (b *Broker) Subscriber(id string) (Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return Subscriber{}, false
	}
	return Subscriber{
		ID:        sub.id,
		Topics:    sortedKeys(sub.topics),
		Filters:   sub.filters,
		CreatedAt: sub.createdAt,
	}, true
}

func (b *Broker) dropIndexLocked(id string, topics map[string]struct{}) {
	for topic := range topics {
		set, ok := b.index[topic]
		if !ok {
			continue
		}
		delete(set, id)
		if len(set) == 0 {
			delete(b.index, topic)
		}
	}
}

func wildcardPrefix(topic string) (string, bool) {
	if !strings.HasSuffix(topic, ".*") {
		return "", false
	}
	return strings.TrimSuffix(topic, "*"), true
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
