package proxy

import (
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/arrowctl/modelgate/proxy/config"
)

// ProcessGroup holds the set of Processes that share intra-group exclusivity.
// Activation decisions (which sibling to stop before starting another) live
// here; ProcessGroup never talks HTTP directly except via ProxyRequest, a thin
// pass-through used once a Process is already known to be the activation target.
type ProcessGroup struct {
	sync.Mutex

	config     config.Config
	id         string
	swap       bool
	exclusive  bool
	persistent bool

	proxyLogger    *LogMonitor
	upstreamLogger *LogMonitor

	// map of current processes
	processes       map[string]*Process
	lastUsedProcess string
}

func NewProcessGroup(id string, config config.Config, proxyLogger *LogMonitor, upstreamLogger *LogMonitor) *ProcessGroup {
	groupConfig, ok := config.Groups[id]
	if !ok {
		panic("Unable to find configuration for group id: " + id)
	}

	pg := &ProcessGroup{
		id:             id,
		config:         config,
		swap:           groupConfig.Swap,
		exclusive:      groupConfig.Exclusive,
		persistent:     groupConfig.Persistent,
		proxyLogger:    proxyLogger,
		upstreamLogger: upstreamLogger,
		processes:      make(map[string]*Process),
	}

	// Create a Process for each member in the group
	for _, modelID := range groupConfig.Members {
		modelConfig, modelID, _ := pg.config.FindConfig(modelID)
		processLogger := NewLogMonitorWriter(upstreamLogger)
		process := NewProcess(modelID, pg.config.HealthCheckTimeout, modelConfig, processLogger, pg.proxyLogger)
		pg.processes[modelID] = process
	}

	return pg
}

// activate enforces intra-group exclusivity (when swap is true) and starts
// modelID's Process, returning it once it is READY. It does not touch any
// other group; cross-group and exclusive-group policy is ProcessManager's job.
func (pg *ProcessGroup) activate(modelID string) (*Process, error) {
	target, exists := pg.processes[modelID]
	if !exists {
		return nil, fmt.Errorf("model %s not part of group %s", modelID, pg.id)
	}

	pg.Lock()
	if pg.swap && pg.lastUsedProcess != "" && pg.lastUsedProcess != modelID {
		previous := pg.processes[pg.lastUsedProcess]
		pg.Unlock()
		previous.Stop() // waits for inflight, blocks until STOPPED
	} else {
		pg.Unlock()
	}

	if err := target.start(); err != nil {
		return nil, err
	}

	pg.Lock()
	pg.lastUsedProcess = modelID
	pg.Unlock()

	return target, nil
}

// ProxyRequest proxies a request to modelID's Process. It does not call
// activate, so swap policy is not enforced; a Process that is not READY is
// started by Process.ProxyRequest itself.
func (pg *ProcessGroup) ProxyRequest(modelID string, writer http.ResponseWriter, request *http.Request) error {
	process, exists := pg.GetMember(modelID)
	if !exists {
		return fmt.Errorf("model %s not part of group %s", modelID, pg.id)
	}
	process.ProxyRequest(writer, request)
	return nil
}

func (pg *ProcessGroup) HasMember(modelName string) bool {
	return slices.Contains(pg.config.Groups[pg.id].Members, modelName)
}

func (pg *ProcessGroup) GetMember(modelName string) (*Process, bool) {
	if pg.HasMember(modelName) {
		return pg.processes[modelName], true
	}
	return nil, false
}

func (pg *ProcessGroup) StopProcess(modelID string, strategy StopStrategy) error {
	pg.Lock()

	process, exists := pg.processes[modelID]
	if !exists {
		pg.Unlock()
		return fmt.Errorf("process not found for %s", modelID)
	}

	if pg.lastUsedProcess == modelID {
		pg.lastUsedProcess = ""
	}
	pg.Unlock()

	switch strategy {
	case StopImmediately:
		process.StopImmediately()
	default:
		process.Stop()
	}
	return nil
}

// StopProcesses stops every member in parallel and clears lastUsedProcess.
func (pg *ProcessGroup) StopProcesses(strategy StopStrategy) {
	pg.Lock()
	pg.lastUsedProcess = ""
	if len(pg.processes) == 0 {
		pg.Unlock()
		return
	}
	processes := make([]*Process, 0, len(pg.processes))
	for _, process := range pg.processes {
		processes = append(processes, process)
	}
	pg.Unlock()

	var wg sync.WaitGroup
	for _, process := range processes {
		wg.Add(1)
		go func(process *Process) {
			defer wg.Done()
			switch strategy {
			case StopImmediately:
				process.StopImmediately()
			default:
				process.Stop()
			}
		}(process)
	}
	wg.Wait()
}

func (pg *ProcessGroup) Shutdown() {
	var wg sync.WaitGroup
	for _, process := range pg.processes {
		wg.Add(1)
		go func(process *Process) {
			defer wg.Done()
			process.Shutdown()
		}(process)
	}
	wg.Wait()
}
