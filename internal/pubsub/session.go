package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

// Session 将同步 Handler 适配为带缓冲的 channel，供直播流等异步消费者使用。
// 缓冲区满时新消息被丢弃并计数，发布方永远不会因慢消费者阻塞。
type Session struct {
	broker *Broker
	id     string
	ch     chan Message
	done   chan struct{}

	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewSession 以 id 订阅 topics 并返回会话；订阅参数非法时返回 nil 与 false。
func NewSession(broker *Broker, id string, topics []string, filters Filters, buffer int) (*Session, bool) {
	if buffer <= 0 {
		buffer = 1
	}
	s := &Session{
		broker: broker,
		id:     id,
		ch:     make(chan Message, buffer),
		done:   make(chan struct{}),
	}
	if !broker.Subscribe(id, topics, s.handle, filters) {
		return nil, false
	}
	return s, true
}

func (s *Session) handle(_ context.Context, msg Message) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// ID 返回会话在 Broker 中的订阅者 id。
func (s *Session) ID() string { return s.id }

// C 返回消息 channel；该 channel 不会被关闭，消费者应同时监听 Done。
func (s *Session) C() <-chan Message { return s.ch }

// Done 在 Close 之后关闭。
func (s *Session) Done() <-chan struct{} { return s.done }

// Dropped 返回因缓冲区满而丢弃的消息数。
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Close 取消订阅并结束会话，可重复调用。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.broker.Unsubscribe(s.id)
	})
}
