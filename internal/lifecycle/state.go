package lifecycle

import (
	"errors"
	"fmt"
)

// State 是单个 generation 的生命周期状态。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant 表示安装失败，该 generation 被丢弃，旧版本继续服务。
	StateRedundant State = "redundant"
)

var (
	// ErrInstallFailure 是所有安装失败的哨兵错误。
	ErrInstallFailure = errors.New("install failure")
	// ErrInvalidTransition 表示当前状态不允许执行该操作。
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrUnknownMessage 表示控制通道收到无法识别的消息类型。
	ErrUnknownMessage = errors.New("unknown control message")
)

// InstallError 记录导致安装失败的关键资源。
type InstallError struct {
	Generation string
	Resource   string
	Err        error
}

func (e *InstallError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("install %s: %v", e.Generation, e.Err)
	}
	return fmt.Sprintf("install %s: resource %s: %v", e.Generation, e.Resource, e.Err)
}

func (e *InstallError) Unwrap() []error {
	return []error{ErrInstallFailure, e.Err}
}

// 控制通道消息类型。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
	ReplyVersion       = "VERSION"
)

// Message 是前台应用发送的控制消息。
type Message struct {
	Type string `json:"type" validate:"required"`
}

// Reply 是控制消息的同步应答。
type Reply struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}
