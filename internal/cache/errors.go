package cache

import (
	"errors"
	"fmt"
)

// ErrMiss 表示 key 不存在或已过期，且调用方没有提供 fetcher。
var ErrMiss = errors.New("cache miss")

// FetchError 包装 fetcher 返回的错误；同一 key 上等待的所有调用方收到同一个实例。
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
