package model

import "time"

// AppStatus is the lifecycle state of an application's process. It is owned
// exclusively by the process supervisor; every other component reads it
// through a snapshot and never mutates it directly.
type AppStatus string

const (
	StatusStopped     AppStatus = "stopped"
	StatusStarting    AppStatus = "starting"
	StatusRunning     AppStatus = "running"
	StatusFailed      AppStatus = "failed"
	StatusRollingBack AppStatus = "rolling_back"
)

// AppState is the persisted runtime record of one application.
type AppState struct {
	Status    AppStatus `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	Version   string    `json:"version,omitempty"`
	Isolation string    `json:"isolation,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
