package channels

import (
	"fmt"
	"time"
)

// Kind names a message variant. Useful for logging and metrics labels.
type Kind string

const (
	KindAuthChanged  Kind = "auth.changed"
	KindMinerToggled Kind = "miner.toggled"
	KindReportTick   Kind = "report.tick"
	KindWorkerFailed Kind = "worker.failed"
)

// String returns the kind as a plain string
func (k Kind) String() string {
	return string(k)
}

// Message is one event carried by the bus. The set of implementations is
// closed: AuthChanged, MinerToggled, ReportTick and WorkerFailed.
// All of them are plain values, so fan-out copies are cheap and safe.
type Message interface {
	Kind() Kind
	isMessage()
}

// AuthChanged is published when the session is established or torn down
type AuthChanged struct {
	LoggedIn bool
	At       time.Time
}

// MinerToggled requests the miner to converge to On
type MinerToggled struct {
	On bool
	At time.Time
}

// ReportSource identifies which loop produced a ReportTick
type ReportSource string

const (
	SourceUptime ReportSource = "uptime"
	SourceTasks  ReportSource = "tasks"
)

// ReportTick carries the result of one uptime report or one task cycle
type ReportTick struct {
	Source         ReportSource
	Uptime         float64 // seconds, only for SourceUptime
	TaskStatus     string  // only for SourceTasks
	TasksCompleted int     // only for SourceTasks
	At             time.Time
}

// WorkerFailed is published when a worker could not be spawned or exited
// on its own while it was expected to run.
type WorkerFailed struct {
	Worker  string
	Reason  string
	Attempt int // restarts already consumed in this session
	At      time.Time
}

func (AuthChanged) Kind() Kind  { return KindAuthChanged }
func (MinerToggled) Kind() Kind { return KindMinerToggled }
func (ReportTick) Kind() Kind   { return KindReportTick }
func (WorkerFailed) Kind() Kind { return KindWorkerFailed }

func (AuthChanged) isMessage()  {}
func (MinerToggled) isMessage() {}
func (ReportTick) isMessage()   {}
func (WorkerFailed) isMessage() {}

// String returns a formatted string for an AuthChanged.
func (m AuthChanged) String() string {
	return fmt.Sprintf("AuthChanged{LoggedIn: %t, At: %s}", m.LoggedIn, m.At.Format(time.RFC3339))
}

// String returns a formatted string for a MinerToggled.
func (m MinerToggled) String() string {
	return fmt.Sprintf("MinerToggled{On: %t, At: %s}", m.On, m.At.Format(time.RFC3339))
}

// String returns a formatted string for a ReportTick.
func (m ReportTick) String() string {
	return fmt.Sprintf("ReportTick{Source: %s, Uptime: %.0f, TaskStatus: %s, TasksCompleted: %d, At: %s}",
		m.Source,
		m.Uptime,
		m.TaskStatus,
		m.TasksCompleted,
		m.At.Format(time.RFC3339),
	)
}

// String returns a formatted string for a WorkerFailed.
func (m WorkerFailed) String() string {
	return fmt.Sprintf("WorkerFailed{Worker: %s, Reason: %s, Attempt: %d, At: %s}",
		m.Worker,
		m.Reason,
		m.Attempt,
		m.At.Format(time.RFC3339),
	)
}
