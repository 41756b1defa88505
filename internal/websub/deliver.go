package websub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/alerthub/alerthub/internal/logging"
)

// 推送被视为已确认的状态码。
var acceptedStatus = map[int]struct{}{
	http.StatusOK:        {},
	http.StatusCreated:   {},
	http.StatusAccepted:  {},
	http.StatusNoContent: {},
}

// Publish 把 content 推送给 topic 下所有有效订阅，返回成功投递数。
// content 只序列化一次；[]byte 与 json.RawMessage 原样发送。
// 过期订阅在此处被清理；每个订阅只尝试一次，失败不影响订阅本身。
func (h *Hub) Publish(ctx context.Context, topic string, content any) int {
	topic = normalizeTopic(topic)
	body, err := encodeContent(content)
	if err != nil {
		h.logger.WithFields(logrus.Fields{"action": "websub_publish", "topic": topic}).
			WithError(err).Error("websub_encode_failed")
		return 0
	}

	targets, pruned := h.liveSubscriptions(topic)
	if pruned > 0 {
		h.logger.WithFields(logrus.Fields{
			"action": "websub_prune",
			"topic":  topic,
			"pruned": pruned,
		}).Info("websub_expired_pruned")
		if h.onChange != nil {
			h.onChange(topic)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	var success atomic.Int64
	p := pool.New().WithMaxGoroutines(h.deliveryConcurrency)
	for _, sub := range targets {
		p.Go(func() {
			if h.deliver(ctx, sub, body) {
				success.Add(1)
			}
		})
	}
	p.Wait()

	delivered := int(success.Load())
	h.logger.WithFields(logrus.Fields{
		"action":    "websub_publish",
		"topic":     topic,
		"delivered": delivered,
		"targets":   len(targets),
	}).Info("websub_published")
	return delivered
}

// liveSubscriptions 在写锁下删除过期订阅，并返回剩余有效订阅的快照。
func (h *Hub) liveSubscriptions(topic string) ([]Subscription, int) {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	topicSubs := h.subscriptions[topic]
	targets := make([]Subscription, 0, len(topicSubs))
	pruned := 0
	for callback, sub := range topicSubs {
		if sub.Expired(now) {
			delete(topicSubs, callback)
			pruned++
			continue
		}
		if sub.State == StateVerified {
			targets = append(targets, *sub)
		}
	}
	if topicSubs != nil && len(topicSubs) == 0 {
		delete(h.subscriptions, topic)
	}
	return targets, pruned
}

func (h *Hub) deliver(ctx context.Context, sub Subscription, body []byte) bool {
	status, err := h.post(ctx, sub, body)
	fields := logging.DeliveryFields("websub_deliver", sub.Topic, sub.Callback, status, sub.Signed())
	if err != nil {
		h.failed.Add(1)
		h.logger.WithFields(fields).WithError(err).Warn("websub_delivery_failed")
		return false
	}
	h.delivered.Add(1)
	h.logger.WithFields(fields).Debug("websub_delivered")
	return true
}

func (h *Hub) post(ctx context.Context, sub Subscription, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(body))
	if err != nil {
		return 0, &DeliveryFailure{Topic: sub.Topic, Callback: sub.Callback, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Link", fmt.Sprintf(`<%s>; rel="hub", <%s>; rel="self"`, h.hubURL, sub.Topic))
	if sub.Signed() {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, &DeliveryFailure{Topic: sub.Topic, Callback: sub.Callback, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if _, ok := acceptedStatus[resp.StatusCode]; !ok {
		return resp.StatusCode, &DeliveryFailure{Topic: sub.Topic, Callback: sub.Callback, Status: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func encodeContent(content any) ([]byte, error) {
	switch v := content.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(content)
	}
}
