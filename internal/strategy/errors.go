package strategy

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable 表示网络请求失败（超时、DNS、离线等），策略层会尝试缓存兜底。
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrResourceUnavailableOffline 表示网络与缓存都无法提供该资源。
	ErrResourceUnavailableOffline = errors.New("resource unavailable offline")
)

// NetworkError 包装底层传输错误，同时满足 errors.Is(err, ErrNetworkUnavailable)。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetworkUnavailable, e.Err}
}
