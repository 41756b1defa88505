package websub

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Mode 是 hub.mode 的取值。
type Mode string

const (
	ModeSubscribe   Mode = "subscribe"
	ModeUnsubscribe Mode = "unsubscribe"
)

// State 描述订阅在验证流程中的状态。
type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateRejected State = "rejected"
)

// Subscription 是 (topic, callback) 唯一确定的订阅记录。
type Subscription struct {
	Callback     string    `json:"callback"`
	Topic        string    `json:"topic"`
	Secret       string    `json:"-"`
	LeaseSeconds int       `json:"lease_seconds"`
	CreatedAt    time.Time `json:"created_at"`
	State        State     `json:"state"`
	RejectedAt   time.Time `json:"rejected_at,omitempty"`
	Token        string    `json:"-"`
}

// ExpiresAt 返回租期到期时间。
func (s Subscription) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.LeaseSeconds) * time.Second)
}

// Expired 判断订阅在 now 时刻是否已过期。
func (s Subscription) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

// Signed 表示推送时是否需要携带签名头。
func (s Subscription) Signed() bool {
	return s.Secret != ""
}

type subscriptionKey struct {
	topic    string
	callback string
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
