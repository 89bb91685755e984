package lifecycle

import (
	"errors"
	"time"
)

// State 是生命周期状态机的当前位置。
type State string

const (
	StateIdle              State = "idle"
	StateInstalling        State = "installing"
	StateWaitingActivation State = "waiting_activation"
	StateActive            State = "active"
)

var (
	// ErrNotActive 表示尚无可服务的缓存代。
	ErrNotActive = errors.New("no active cache generation")
	// ErrNothingToActivate 表示没有已安装待激活的缓存代。
	ErrNothingToActivate = errors.New("no installed generation waiting for activation")
)

// Manifest 描述一次安装：版本 tag 与预热清单。
type Manifest struct {
	Version string   `json:"version"`
	Seed    []string `json:"seed"`
}

// Status 是控制器状态的只读快照，供诊断接口输出。
type Status struct {
	State State `json:"state"`
	// Active 是正在服务的缓存代 tag。
	Active string `json:"active,omitempty"`
	// Pending 是已安装、等待激活的 tag。
	Pending string `json:"pending,omitempty"`
	// Installing 是正在安装的 tag。
	Installing string `json:"installing,omitempty"`
	// Updating 表示在已有活跃代的同时，新版本正在安装或等待激活。
	Updating    bool      `json:"updating"`
	LastError   string    `json:"lastError,omitempty"`
	InstalledAt time.Time `json:"installedAt,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}
