// Package service exposes the runtime's operations to the transport layer
// and owns the lifecycle of live runs.
package service

import (
	"errors"
	"sync"

	"github.com/xiaot623/agentloop/config"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/emitter"
	"github.com/xiaot623/agentloop/internal/memory"
	"github.com/xiaot623/agentloop/internal/tools"
	"github.com/xiaot623/agentloop/store"
)

// ErrRunInProgress is returned when a session already has a live run.
var ErrRunInProgress = errors.New("a run is already in progress for this session")

type Service struct {
	store    store.Store
	loop     *agent.Loop
	memory   *memory.Manager
	registry *tools.Registry
	emitter  *emitter.Emitter
	config   *config.Config

	mu     sync.Mutex
	active map[string]string                // sessionID -> live runID
	runs   map[string]*agent.SessionContext // runID -> live run context
}

func New(st store.Store, loop *agent.Loop, mem *memory.Manager, registry *tools.Registry, em *emitter.Emitter, cfg *config.Config) *Service {
	return &Service{
		store:    st,
		loop:     loop,
		memory:   mem,
		registry: registry,
		emitter:  em,
		config:   cfg,
		active:   make(map[string]string),
		runs:     make(map[string]*agent.SessionContext),
	}
}
