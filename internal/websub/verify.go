package websub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alerthub/alerthub/internal/logging"
)

// 挑战响应体的读取上限，token 本身只有 43 字节。
const maxChallengeBody = 4 << 10

// verify 向 callback 发起挑战 GET；仅当状态码为 2xx 且去除首尾空白后的响应体
// 与 token 完全一致时视为验证通过。失败不重试。
func (h *Hub) verify(ctx context.Context, sub Subscription, mode Mode) {
	fields := logging.SubscriptionFields("websub_verify", string(mode), sub.Topic, sub.Callback)

	status, err := h.challenge(ctx, sub, mode)
	if err != nil {
		h.rejected.Add(1)
		h.markRejected(sub, mode)
		h.logger.WithFields(fields).WithError(err).Warn("websub_verification_failed")
		return
	}

	key := subscriptionKey{topic: sub.Topic, callback: sub.Callback}
	h.mu.Lock()
	switch mode {
	case ModeSubscribe:
		// 验证期间同一 (topic, callback) 可能已有更新的请求，只安装最新一次尝试。
		attempt, ok := h.attempts[key]
		if !ok || attempt.Token != sub.Token {
			h.mu.Unlock()
			h.logger.WithFields(fields).Info("websub_verification_superseded")
			return
		}
		delete(h.attempts, key)
		// 续订时以新的记录替换旧记录，租期从验证时刻重新计算。
		sub.State = StateVerified
		sub.CreatedAt = h.now()
		topicSubs, ok := h.subscriptions[sub.Topic]
		if !ok {
			topicSubs = make(map[string]*Subscription)
			h.subscriptions[sub.Topic] = topicSubs
		}
		record := sub
		topicSubs[sub.Callback] = &record
	case ModeUnsubscribe:
		if topicSubs, ok := h.subscriptions[sub.Topic]; ok {
			delete(topicSubs, sub.Callback)
			if len(topicSubs) == 0 {
				delete(h.subscriptions, sub.Topic)
			}
		}
		delete(h.attempts, key)
	}
	h.mu.Unlock()

	h.verified.Add(1)
	fields["status"] = status
	fields["lease_seconds"] = sub.LeaseSeconds
	h.logger.WithFields(fields).Info("websub_verified")
	if h.onChange != nil {
		h.onChange(sub.Topic)
	}
}

func (h *Hub) challenge(ctx context.Context, sub Subscription, mode Mode) (int, error) {
	fail := func(status int, reason string, err error) (int, error) {
		return status, &VerificationFailure{
			Mode:     mode,
			Topic:    sub.Topic,
			Callback: sub.Callback,
			Status:   status,
			Reason:   reason,
			Err:      err,
		}
	}

	target, err := challengeURL(sub, mode)
	if err != nil {
		return fail(0, "invalid callback", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fail(0, "build request", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fail(0, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	if err != nil {
		return fail(resp.StatusCode, "read body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, "non-2xx status", nil)
	}
	if strings.TrimSpace(string(body)) != sub.Token {
		return fail(resp.StatusCode, "challenge mismatch", nil)
	}
	return resp.StatusCode, nil
}

// challengeURL 在保留 callback 原有查询参数的基础上追加 hub.* 参数。
func challengeURL(sub Subscription, mode Mode) (string, error) {
	parsed, err := url.Parse(sub.Callback)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("hub.mode", string(mode))
	query.Set("hub.topic", sub.Topic)
	query.Set("hub.challenge", sub.Token)
	query.Set("hub.lease_seconds", strconv.Itoa(sub.LeaseSeconds))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (h *Hub) markRejected(sub Subscription, mode Mode) {
	if mode != ModeSubscribe {
		return
	}
	key := subscriptionKey{topic: sub.Topic, callback: sub.Callback}
	h.mu.Lock()
	defer h.mu.Unlock()
	if attempt, ok := h.attempts[key]; ok && attempt.Token == sub.Token {
		attempt.State = StateRejected
		attempt.RejectedAt = h.now()
	}
}
