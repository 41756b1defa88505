package websub

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/alerthub/alerthub/internal/logging"
)

const (
	defaultLease               = 24 * time.Hour
	defaultVerifyTimeout       = 10 * time.Second
	defaultDeliveryTimeout     = 10 * time.Second
	defaultDeliveryConcurrency = 8
	defaultRejectedRetention   = 10 * time.Minute
	defaultMaxAttempts         = 10000
	defaultMaxTopics           = 1000
	maxSecretBytes             = 200
)

// DefaultTopics 是 hub 启动时预注册的主题。
var DefaultTopics = []string{
	"alerts.all",
	"alerts.critical",
	"alerts.high",
	"alerts.cms",
	"alerts.framework",
	"alerts.plugin",
	"alerts.shopping_cart",
}

// Options 描述 hub 的依赖与时限配置。
type Options struct {
	Client              *http.Client
	Logger              *logrus.Logger
	HubURL              string
	DefaultLease        time.Duration
	MaxLease            time.Duration
	VerifyTimeout       time.Duration
	DeliveryTimeout     time.Duration
	DeliveryConcurrency int
	// AutoRegisterPrefix 下的未知主题在订阅时自动注册，为空则不自动注册。
	AutoRegisterPrefix string
	// RejectedRetention 是被拒绝的订阅尝试保留供查询的时长。
	RejectedRetention time.Duration
	// MaxAttempts 与 MaxTopics 限制待验证尝试表与主题表的规模，超出时返回 ErrHubBusy。
	MaxAttempts int
	MaxTopics   int
	// OnChange 在某主题的已验证订阅集合变化后调用，不持有 hub 内部锁。
	OnChange func(topic string)
	Now      func() time.Time
}

// Request 是一次 hub.mode 请求的参数。
type Request struct {
	Mode         Mode
	Callback     string
	Topic        string
	Secret       string
	LeaseSeconds int
}

// Result 是请求被接受后的应答，对应 HTTP 202。
type Result struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// TopicInfo 描述一个已注册主题。
type TopicInfo struct {
	Topic           string         `json:"topic"`
	CreatedAt       time.Time      `json:"created_at"`
	Metadata        map[string]any `json:"metadata"`
	SubscriberCount int            `json:"subscriber_count"`
}

// Stats 汇总 hub 的运行计数。
type Stats struct {
	Topics        int    `json:"topics"`
	Subscriptions int    `json:"subscriptions"`
	Pending       int    `json:"pending"`
	Attempts      int    `json:"attempts"`
	Verified      uint64 `json:"verified"`
	Rejected      uint64 `json:"rejected"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
}

const autoRegisteredKey = "auto_registered"

type topicRecord struct {
	createdAt time.Time
	metadata  map[string]any
}

// Hub 管理外部 webhook 订阅：验证意图、跟踪租期并推送内容。
type Hub struct {
	mu            sync.RWMutex
	topics        map[string]*topicRecord
	subscriptions map[string]map[string]*Subscription
	attempts      map[subscriptionKey]*Subscription

	client              *http.Client
	logger              *logrus.Logger
	hubURL              string
	defaultLease        time.Duration
	maxLease            time.Duration
	verifyTimeout       time.Duration
	deliveryTimeout     time.Duration
	deliveryConcurrency int
	autoPrefix          string
	rejectedRetention   time.Duration
	maxAttempts         int
	maxTopics           int
	onChange            func(topic string)
	now                 func() time.Time
	lastPrune           time.Time

	lifecycleMu sync.Mutex
	running     bool
	baseCtx     context.Context
	cancelBase  context.CancelFunc
	tasks       conc.WaitGroup

	verified  atomic.Uint64
	rejected  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewHub 构建 hub；调用 Start 之后才会接受订阅请求。
func NewHub(opts Options) *Hub {
	h := &Hub{
		topics:              make(map[string]*topicRecord),
		subscriptions:       make(map[string]map[string]*Subscription),
		attempts:            make(map[subscriptionKey]*Subscription),
		client:              opts.Client,
		logger:              opts.Logger,
		hubURL:              opts.HubURL,
		defaultLease:        opts.DefaultLease,
		maxLease:            opts.MaxLease,
		verifyTimeout:       opts.VerifyTimeout,
		deliveryTimeout:     opts.DeliveryTimeout,
		deliveryConcurrency: opts.DeliveryConcurrency,
		autoPrefix:          opts.AutoRegisterPrefix,
		rejectedRetention:   opts.RejectedRetention,
		maxAttempts:         opts.MaxAttempts,
		maxTopics:           opts.MaxTopics,
		onChange:            opts.OnChange,
		now:                 opts.Now,
	}
	if h.client == nil {
		h.client = &http.Client{}
	}
	if h.logger == nil {
		h.logger = logging.Discard()
	}
	if h.defaultLease <= 0 {
		h.defaultLease = defaultLease
	}
	if h.verifyTimeout <= 0 {
		h.verifyTimeout = defaultVerifyTimeout
	}
	if h.deliveryTimeout <= 0 {
		h.deliveryTimeout = defaultDeliveryTimeout
	}
	if h.deliveryConcurrency <= 0 {
		h.deliveryConcurrency = defaultDeliveryConcurrency
	}
	if h.rejectedRetention <= 0 {
		h.rejectedRetention = defaultRejectedRetention
	}
	if h.maxAttempts <= 0 {
		h.maxAttempts = defaultMaxAttempts
	}
	if h.maxTopics <= 0 {
		h.maxTopics = defaultMaxTopics
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Start 开始接受验证任务。重复调用无副作用。
func (h *Hub) Start() {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	if h.running {
		return
	}
	h.baseCtx, h.cancelBase = context.WithCancel(context.Background())
	h.running = true
	h.logger.WithFields(logrus.Fields{
		"action":  "websub_start",
		"hub_url": h.hubURL,
		"topics":  len(h.Topics()),
	}).Info("websub_hub_started")
}

// Close 停止接受新的验证任务，等待进行中的任务结束（受 ctx 限制），
// 超时后取消剩余任务并关闭空闲连接。
func (h *Hub) Close(ctx context.Context) error {
	h.lifecycleMu.Lock()
	if !h.running {
		h.lifecycleMu.Unlock()
		return nil
	}
	h.running = false
	cancel := h.cancelBase
	h.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	h.client.CloseIdleConnections()

	h.logger.WithFields(logrus.Fields{"action": "websub_stop"}).Info("websub_hub_stopped")
	return err
}

// HubURL 返回对外公布的 hub 地址。
func (h *Hub) HubURL() string {
	return h.hubURL
}

// RegisterTopic 注册主题；已存在时只更新元数据。
func (h *Hub) RegisterTopic(topic string, metadata map[string]any) {
	topic = normalizeTopic(topic)
	if topic == "" {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	h.mu.Lock()
	if record, ok := h.topics[topic]; ok {
		record.metadata = metadata
		h.mu.Unlock()
		return
	}
	h.topics[topic] = &topicRecord{createdAt: h.now(), metadata: metadata}
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{"action": "websub_topic", "topic": topic}).Info("websub_topic_registered")
}

// normalizeTopic 与 broker 的主题规范化保持一致：去除首尾空白并转为小写。
func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// RegisterDefaultTopics 注册 DefaultTopics 中的全部主题。
func (h *Hub) RegisterDefaultTopics() {
	for _, topic := range DefaultTopics {
		h.RegisterTopic(topic, nil)
	}
}

// HandleRequest 同步校验订阅请求并调度异步验证。
// 参数错误返回 *ValidationError，主题或订阅不存在返回 *NotFoundError。
func (h *Hub) HandleRequest(ctx context.Context, req Request) (Result, error) {
	req.Callback = strings.TrimSpace(req.Callback)
	req.Topic = normalizeTopic(req.Topic)

	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if err := h.ensureTopic(req.Topic); err != nil {
		return Result{}, err
	}

	switch req.Mode {
	case ModeSubscribe:
		return h.handleSubscribe(req)
	default:
		return h.handleUnsubscribe(req)
	}
}

func validateRequest(req Request) error {
	if req.Mode == "" {
		return &ValidationError{Field: "hub.mode", Reason: "missing"}
	}
	if req.Callback == "" {
		return &ValidationError{Field: "hub.callback", Reason: "missing"}
	}
	if req.Topic == "" {
		return &ValidationError{Field: "hub.topic", Reason: "missing"}
	}
	if req.Mode != ModeSubscribe && req.Mode != ModeUnsubscribe {
		return &ValidationError{Field: "hub.mode", Reason: "must be subscribe or unsubscribe"}
	}
	parsed, err := url.Parse(req.Callback)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return &ValidationError{Field: "hub.callback", Reason: "must be an absolute http(s) URL"}
	}
	if len(req.Secret) > maxSecretBytes {
		return &ValidationError{Field: "hub.secret", Reason: "must be at most 200 bytes"}
	}
	if req.LeaseSeconds < 0 {
		return &ValidationError{Field: "hub.lease_seconds", Reason: "must not be negative"}
	}
	return nil
}

func (h *Hub) ensureTopic(topic string) error {
	h.mu.Lock()
	if _, known := h.topics[topic]; known {
		h.mu.Unlock()
		return nil
	}
	if h.autoPrefix == "" || !strings.HasPrefix(topic, h.autoPrefix) {
		h.mu.Unlock()
		return &NotFoundError{Kind: "topic", Key: topic}
	}
	if len(h.topics) >= h.maxTopics {
		h.mu.Unlock()
		h.logger.WithFields(logrus.Fields{
			"action": "websub_topic",
			"topic":  topic,
			"limit":  h.maxTopics,
		}).Warn("websub_topic_limit_reached")
		return ErrHubBusy
	}
	h.topics[topic] = &topicRecord{createdAt: h.now(), metadata: map[string]any{autoRegisteredKey: true}}
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{"action": "websub_topic", "topic": topic}).Info("websub_topic_registered")
	return nil
}

func (h *Hub) handleSubscribe(req Request) (Result, error) {
	token, err := newToken()
	if err != nil {
		return Result{}, err
	}
	sub := &Subscription{
		Callback:     req.Callback,
		Topic:        req.Topic,
		Secret:       req.Secret,
		LeaseSeconds: int(h.effectiveLease(req.LeaseSeconds) / time.Second),
		CreatedAt:    h.now(),
		State:        StatePending,
		Token:        token,
	}

	key := subscriptionKey{topic: sub.Topic, callback: sub.Callback}
	h.mu.Lock()
	h.pruneAttemptsLocked(sub.CreatedAt, sub.Topic)
	if _, exists := h.attempts[key]; !exists && len(h.attempts) >= h.maxAttempts {
		if !h.topicReferencedLocked(sub.Topic) {
			h.removeIdleAutoTopicLocked(sub.Topic)
		}
		h.mu.Unlock()
		h.logger.WithFields(logrus.Fields{
			"action": "websub_subscribe",
			"topic":  sub.Topic,
			"limit":  h.maxAttempts,
		}).Warn("websub_attempt_limit_reached")
		return Result{}, ErrHubBusy
	}
	if _, ok := h.topics[sub.Topic]; !ok {
		// ensureTopic 之后并发的清理可能已移除该自动注册主题。
		h.topics[sub.Topic] = &topicRecord{createdAt: sub.CreatedAt, metadata: map[string]any{autoRegisteredKey: true}}
	}
	h.attempts[key] = sub
	h.mu.Unlock()

	if err := h.schedule(*sub, ModeSubscribe); err != nil {
		h.mu.Lock()
		if h.attempts[key] == sub {
			delete(h.attempts, key)
		}
		h.mu.Unlock()
		return Result{}, err
	}
	return Result{Accepted: true, Message: "Subscription request accepted, verification pending"}, nil
}

// pruneAttemptsLocked 清理超过保留期的 rejected 尝试，并移除因此不再被引用的
// 自动注册主题（keep 除外）。表未满时每个保留期最多扫描一次。
func (h *Hub) pruneAttemptsLocked(now time.Time, keep string) {
	if len(h.attempts) < h.maxAttempts && now.Sub(h.lastPrune) < h.rejectedRetention {
		return
	}
	h.lastPrune = now

	candidates := make(map[string]struct{})
	for key, attempt := range h.attempts {
		if attempt.State == StateRejected && now.Sub(attempt.RejectedAt) >= h.rejectedRetention {
			delete(h.attempts, key)
			candidates[key.topic] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return
	}
	for key := range h.attempts {
		delete(candidates, key.topic)
	}

	removed := 0
	for topic := range candidates {
		if topic != keep && h.removeIdleAutoTopicLocked(topic) {
			removed++
		}
	}
	if removed > 0 {
		h.logger.WithFields(logrus.Fields{
			"action":  "websub_prune",
			"removed": removed,
		}).Debug("websub_auto_topics_pruned")
	}
}

func (h *Hub) topicReferencedLocked(topic string) bool {
	for key := range h.attempts {
		if key.topic == topic {
			return true
		}
	}
	return false
}

// removeIdleAutoTopicLocked 删除没有已验证订阅的自动注册主题；调用方需确认
// 已无尝试引用该主题。
func (h *Hub) removeIdleAutoTopicLocked(topic string) bool {
	record, ok := h.topics[topic]
	if !ok || len(h.subscriptions[topic]) > 0 {
		return false
	}
	if auto, _ := record.metadata[autoRegisteredKey].(bool); !auto {
		return false
	}
	delete(h.topics, topic)
	return true
}

func (h *Hub) handleUnsubscribe(req Request) (Result, error) {
	h.mu.RLock()
	existing, ok := h.subscriptions[req.Topic][req.Callback]
	var snapshot Subscription
	if ok {
		snapshot = *existing
	}
	h.mu.RUnlock()

	if !ok || snapshot.Expired(h.now()) {
		return Result{}, &NotFoundError{Kind: "subscription", Key: req.Topic + " " + req.Callback}
	}

	token, err := newToken()
	if err != nil {
		return Result{}, err
	}
	snapshot.Token = token
	if err := h.schedule(snapshot, ModeUnsubscribe); err != nil {
		return Result{}, err
	}
	return Result{Accepted: true, Message: "Unsubscription request accepted, verification pending"}, nil
}

func (h *Hub) effectiveLease(requestedSeconds int) time.Duration {
	lease := time.Duration(requestedSeconds) * time.Second
	if lease <= 0 {
		lease = h.defaultLease
	}
	if h.maxLease > 0 && lease > h.maxLease {
		lease = h.maxLease
	}
	return lease
}

// schedule 在后台执行意图验证；hub 未运行时返回 ErrHubClosed。
func (h *Hub) schedule(sub Subscription, mode Mode) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	if !h.running {
		return ErrHubClosed
	}
	ctx := h.baseCtx
	h.tasks.Go(func() {
		h.verify(ctx, sub, mode)
	})
	return nil
}

// TopicInfo 返回主题信息与当前有效订阅数。
func (h *Hub) TopicInfo(topic string) (TopicInfo, bool) {
	topic = normalizeTopic(topic)
	now := h.now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	record, ok := h.topics[topic]
	if !ok {
		return TopicInfo{}, false
	}
	return h.topicInfoLocked(topic, record, now), true
}

// Topics 返回全部已注册主题。
func (h *Hub) Topics() map[string]TopicInfo {
	now := h.now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]TopicInfo, len(h.topics))
	for topic, record := range h.topics {
		result[topic] = h.topicInfoLocked(topic, record, now)
	}
	return result
}

// TopicNames 返回排序后的主题名称。
func (h *Hub) TopicNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		names = append(names, topic)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) topicInfoLocked(topic string, record *topicRecord, now time.Time) TopicInfo {
	metadata := make(map[string]any, len(record.metadata))
	for k, v := range record.metadata {
		metadata[k] = v
	}
	return TopicInfo{
		Topic:           topic,
		CreatedAt:       record.createdAt,
		Metadata:        metadata,
		SubscriberCount: h.liveCountLocked(topic, now),
	}
}

// SubscriberCount 返回主题下未过期的已验证订阅数。
func (h *Hub) SubscriberCount(topic string) int {
	topic = normalizeTopic(topic)
	now := h.now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveCountLocked(topic, now)
}

func (h *Hub) liveCountLocked(topic string, now time.Time) int {
	count := 0
	for _, sub := range h.subscriptions[topic] {
		if !sub.Expired(now) {
			count++
		}
	}
	return count
}

// Subscription 返回 (topic, callback) 的最新状态：优先返回最近一次订阅尝试
// （pending 或 rejected），否则返回已生效的订阅。供调用方轮询验证结果。
func (h *Hub) Subscription(topic, callback string) (Subscription, bool) {
	topic = normalizeTopic(topic)
	h.mu.RLock()
	defer h.mu.RUnlock()

	if attempt, ok := h.attempts[subscriptionKey{topic: topic, callback: callback}]; ok {
		return *attempt, true
	}
	if sub, ok := h.subscriptions[topic][callback]; ok {
		return *sub, true
	}
	return Subscription{}, false
}

// Stats 返回运行计数快照。
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	stats := Stats{Topics: len(h.topics), Attempts: len(h.attempts)}
	for _, subs := range h.subscriptions {
		stats.Subscriptions += len(subs)
	}
	for _, attempt := range h.attempts {
		if attempt.State == StatePending {
			stats.Pending++
		}
	}
	h.mu.RUnlock()

	stats.Verified = h.verified.Load()
	stats.Rejected = h.rejected.Load()
	stats.Delivered = h.delivered.Load()
	stats.Failed = h.failed.Load()
	return stats
}
