package websub

import (
	"errors"
	"fmt"
)

// ErrHubClosed 表示 hub 尚未启动或已关闭，无法再调度验证任务。
var ErrHubClosed = errors.New("websub hub is not running")

// ErrHubBusy 表示待验证尝试或主题数量已达上限，对应 HTTP 503。
var ErrHubBusy = errors.New("websub hub is at capacity")

// ValidationError 表示订阅请求参数不合法，对应 HTTP 400。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError 表示主题或订阅不存在，对应 HTTP 404。
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// VerificationFailure 记录一次失败的意图验证，只用于日志，不会重试。
type VerificationFailure struct {
	Mode     Mode
	Topic    string
	Callback string
	Status   int
	Reason   string
	Err      error
}

func (e *VerificationFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify %s %s -> %s: %s: %v", e.Mode, e.Topic, e.Callback, e.Reason, e.Err)
	}
	return fmt.Sprintf("verify %s %s -> %s: %s (status %d)", e.Mode, e.Topic, e.Callback, e.Reason, e.Status)
}

func (e *VerificationFailure) Unwrap() error {
	return e.Err
}

// DeliveryFailure 记录一次失败的推送；订阅本身不受影响。
type DeliveryFailure struct {
	Topic    string
	Callback string
	Status   int
	Err      error
}

func (e *DeliveryFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver %s -> %s: %v", e.Topic, e.Callback, e.Err)
	}
	return fmt.Sprintf("deliver %s -> %s: unexpected status %d", e.Topic, e.Callback, e.Status)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}
