package model

import "time"

type EngineState string

const (
	StateInitializing  EngineState = "INITIALIZING"
	StateInitialMirror EngineState = "INITIAL_MIRROR"
	StateWatching      EngineState = "WATCHING"
	StateReconnecting  EngineState = "RECONNECTING"
	StateIdle          EngineState = "IDLE"
	StateShuttingDown  EngineState = "SHUTTING_DOWN"
	StateFailed        EngineState = "FAILED"
)

type EngineSnapshot struct {
	State       EngineState   `json:"state"`
	Destination string        `json:"destination"`
	Targets     []WatchTarget `json:"targets"`
	StartedAt   time.Time     `json:"started_at"`
	Applied     int           `json:"applied"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Bytes       int64         `json:"bytes"`
	Reconnects  int           `json:"reconnects"`
	Overflows   int           `json:"overflows"`
	Pending     int           `json:"pending"`
	LastSync    *time.Time    `json:"last_sync"`
	LastError   string        `json:"last_error,omitempty"`
}
