package host

import (
	"context"
	"sync"
	"time"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/config"
)

// State 是 worker 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// worker 是某个版本的一次注册，同时作为 agent 的 Lifecycle 实现。
type worker struct {
	cfg     config.AgentConfig
	agent   *agent.Agent
	clients *Clients

	mu       sync.RWMutex
	state    State
	skipped  bool
	install  *agent.InstallReport
	activate *agent.ActivateReport
	changed  time.Time
}

var _ agent.Lifecycle = (*worker)(nil)

func (w *worker) SkipWaiting() {
	w.mu.Lock()
	w.skipped = true
	w.mu.Unlock()
}

func (w *worker) Claim(context.Context) error {
	w.clients.ClaimAll()
	return nil
}

func (w *worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.changed = time.Now().UTC()
	w.mu.Unlock()
}

func (w *worker) skipWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipped
}

// WorkerStatus 是 worker 的诊断快照。
type WorkerStatus struct {
	Version   string                `json:"version"`
	State     State                 `json:"state"`
	Origin    string                `json:"origin"`
	Manifest  []string              `json:"manifest"`
	Install   *agent.InstallReport  `json:"install,omitempty"`
	Activate  *agent.ActivateReport `json:"activate,omitempty"`
	ChangedAt time.Time             `json:"changed_at"`
}

func (w *worker) status() *WorkerStatus {
	if w == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return &WorkerStatus{
		Version:   w.agent.Version(),
		State:     w.state,
		Origin:    w.agent.Origin().String(),
		Manifest:  w.agent.Manifest(),
		Install:   w.install,
		Activate:  w.activate,
		ChangedAt: w.changed,
	}
}
