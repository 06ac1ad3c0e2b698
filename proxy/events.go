package proxy

import "time"

// package level registry of the different event types

const (
	ProcessStateChangeEventID = 0x01
	LogDataEventID            = 0x02
	RequestEventID            = 0x03
	ModelPreloadedEventID     = 0x04
	ConfigFileChangedEventID  = 0x05
)

type ProcessStateChangeEvent struct {
	ProcessName string
	NewState    ProcessState
	OldState    ProcessState
	Timestamp   time.Time
}

func (e ProcessStateChangeEvent) Type() uint32 {
	return ProcessStateChangeEventID
}

// LogDataEvent carries a chunk of log output as it's written to a LogMonitor.
type LogDataEvent struct {
	Data []byte
}

func (e LogDataEvent) Type() uint32 {
	return LogDataEventID
}

// ModelPreloadedEvent is emitted after a hooks.on_startup.preload attempt completes.
type ModelPreloadedEvent struct {
	ModelName string
	Success   bool
}

func (e ModelPreloadedEvent) Type() uint32 {
	return ModelPreloadedEventID
}

// ConfigFileChangedEvent is emitted whenever the watched config file is reloaded;
// Err is set when the changed file could not be loaded.
type ConfigFileChangedEvent struct {
	Path string
	Err  error
}

func (e ConfigFileChangedEvent) Type() uint32 {
	return ConfigFileChangedEventID
}
