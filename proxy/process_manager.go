package proxy

import (
	"context"
	"strings"
	"sync"

	"github.com/arrowctl/modelgate/proxy/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ProcessManager owns every ProcessGroup and enforces the cross-group and
// exclusive-group swap policy described for Swap. ProxyManager (the HTTP
// facing dispatcher) holds one of these and never mutates group state itself.
type ProcessManager struct {
	// swapMutex serialises the whole body of Swap so that stop-then-start
	// ordering across groups can never interleave with a concurrent Swap.
	swapMutex sync.Mutex

	stateMutex      sync.RWMutex
	processGroups   map[string]*ProcessGroup
	lastActiveGroup *ProcessGroup
	shuttingDown    bool

	config config.Config
	logger *LogMonitor
}

func NewProcessManager(cfg config.Config, proxyLogger, upstreamLogger *LogMonitor) *ProcessManager {
	pmgr := &ProcessManager{
		processGroups: make(map[string]*ProcessGroup),
		config:        cfg,
		logger:        proxyLogger,
	}
	for groupID := range cfg.Groups {
		pmgr.processGroups[groupID] = NewProcessGroup(groupID, cfg, proxyLogger, upstreamLogger)
	}
	return pmgr
}

func (pmgr *ProcessManager) Group(id string) (*ProcessGroup, bool) {
	pmgr.stateMutex.RLock()
	defer pmgr.stateMutex.RUnlock()
	g, ok := pmgr.processGroups[id]
	return g, ok
}

func (pmgr *ProcessManager) Groups() map[string]*ProcessGroup {
	pmgr.stateMutex.RLock()
	defer pmgr.stateMutex.RUnlock()
	out := make(map[string]*ProcessGroup, len(pmgr.processGroups))
	for id, g := range pmgr.processGroups {
		out[id] = g
	}
	return out
}

func (pmgr *ProcessManager) FindGroupByModelName(modelName string) *ProcessGroup {
	pmgr.stateMutex.RLock()
	defer pmgr.stateMutex.RUnlock()
	for _, group := range pmgr.processGroups {
		if group.HasMember(modelName) {
			return group
		}
	}
	return nil
}

// Swap is the sole entry point for activating a model. See SPEC_FULL.md §4.3
// for the step-by-step description of this cross-group policy.
func (pmgr *ProcessManager) Swap(ctx context.Context, requestedName string) (*Process, string, error) {
	_, span := startSpan(ctx, "swap", attribute.String("model.requested", requestedName))
	defer span.End()

	pmgr.stateMutex.RLock()
	shuttingDown := pmgr.shuttingDown
	pmgr.stateMutex.RUnlock()
	if shuttingDown {
		span.SetStatus(codes.Error, "shutting down")
		return nil, "", newSwapError(ErrShuttingDown, requestedName, nil)
	}

	realID, found := pmgr.config.RealModelName(requestedName)
	if !found {
		span.SetStatus(codes.Error, "unknown model")
		return nil, "", newSwapError(ErrUnknownModel, requestedName, nil)
	}
	span.SetAttributes(attribute.String("model.id", realID))

	targetGroup := pmgr.FindGroupByModelName(realID)
	if targetGroup == nil {
		span.SetStatus(codes.Error, "group not found")
		return nil, "", newSwapError(ErrGroupNotFound, realID, nil)
	}
	span.SetAttributes(attribute.String("group.id", targetGroup.id))

	// Serialise the whole stop/start sequence: long waits here (inflight
	// drain, health probing) are intentional, they are what makes the
	// "previous group fully stopped before next group starts" guarantee hold.
	pmgr.swapMutex.Lock()
	defer pmgr.swapMutex.Unlock()

	pmgr.stateMutex.Lock()
	lastActive := pmgr.lastActiveGroup
	pmgr.stateMutex.Unlock()

	// cross-group swap: the previously active non-persistent group yields to
	// any other non-persistent group, regardless of exclusivity.
	if lastActive != nil && lastActive != targetGroup && !lastActive.persistent && !targetGroup.persistent {
		pmgr.logger.Debugf("lastActiveGroup %s differs from target %s, stopping it", lastActive.id, targetGroup.id)
		lastActive.StopProcesses(StopWaitForInflightRequest)
	}

	// exclusive enforcement: activating a member of an exclusive group stops
	// every other non-persistent group, not just the last active one.
	if targetGroup.exclusive {
		for groupID, other := range pmgr.Groups() {
			if groupID != targetGroup.id && !other.persistent {
				pmgr.logger.Debugf("exclusive group %s activation, stopping group %s", targetGroup.id, groupID)
				other.StopProcesses(StopWaitForInflightRequest)
			}
		}
	}

	process, err := targetGroup.activate(realID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		kind := ErrSpawnFailed
		if strings.Contains(err.Error(), "health check timed out") {
			kind = ErrHealthTimeout
		} else if strings.Contains(err.Error(), "exited prematurely") {
			kind = ErrUnexpectedExit
		}
		return nil, realID, newSwapError(kind, realID, err)
	}

	if !targetGroup.persistent {
		pmgr.stateMutex.Lock()
		pmgr.lastActiveGroup = targetGroup
		pmgr.stateMutex.Unlock()
	}

	return process, realID, nil
}

func (pmgr *ProcessManager) StopProcesses(strategy StopStrategy) {
	var wg sync.WaitGroup
	for _, group := range pmgr.Groups() {
		wg.Add(1)
		go func(group *ProcessGroup) {
			defer wg.Done()
			group.StopProcesses(strategy)
		}(group)
	}
	wg.Wait()
}

func (pmgr *ProcessManager) ShutdownAll() {
	pmgr.stateMutex.Lock()
	pmgr.shuttingDown = true
	pmgr.stateMutex.Unlock()

	var wg sync.WaitGroup
	for _, group := range pmgr.Groups() {
		wg.Add(1)
		go func(group *ProcessGroup) {
			defer wg.Done()
			group.Shutdown()
		}(group)
	}
	wg.Wait()
}

// EachProcess iterates every Process across every group; used by listing endpoints.
func (pmgr *ProcessManager) EachProcess(fn func(groupID string, process *Process)) {
	for groupID, group := range pmgr.Groups() {
		for _, process := range group.processes {
			fn(groupID, process)
		}
	}
}

// ReloadModels applies a freshly loaded config to already-running groups.
// Group topology (membership, swap/exclusive/persistent) is fixed for the
// life of the manager; only per-model fields are eligible for a hot
// in-place restart, gated by shouldRestartModel.
func (pmgr *ProcessManager) ReloadModels(newConfig config.Config) {
	pmgr.stateMutex.Lock()
	oldConfig := pmgr.config
	pmgr.config = newConfig
	pmgr.stateMutex.Unlock()

	for modelID, newModelConfig := range newConfig.Models {
		oldModelConfig, existed := oldConfig.Models[modelID]
		if !existed {
			continue
		}
		if !shouldRestartModel(oldModelConfig, newModelConfig, newConfig.RestartOnConfigChange) {
			continue
		}

		group := pmgr.FindGroupByModelName(modelID)
		if group == nil {
			continue
		}

		group.Lock()
		process, exists := group.processes[modelID]
		if !exists {
			group.Unlock()
			continue
		}
		wasLastUsed := group.lastUsedProcess == modelID
		group.Unlock()

		pmgr.logger.Infof("config changed for model %s, restarting its process", modelID)
		process.Stop()

		replacement := NewProcess(modelID, newConfig.HealthCheckTimeout, newModelConfig, process.LogMonitor(), pmgr.logger)
		group.Lock()
		group.processes[modelID] = replacement
		if wasLastUsed {
			group.lastUsedProcess = ""
		}
		group.Unlock()
	}
}
