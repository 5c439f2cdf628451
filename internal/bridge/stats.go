package bridge

import (
	"time"

	"github.com/basket/orbital/internal/protocol"
)

// Stats is the daemon status shown to the operator, merged from heartbeats.
type Stats struct {
	Tasks          int
	Uptime         string
	UptimeSeconds  int64
	ActiveSessions int
	Version        string
	DaemonStatus   string
	LastHeartbeat  time.Time
}

// merge applies the fields present in status and keeps the rest.
func (s Stats) merge(status protocol.HeartbeatStatus, at time.Time) Stats {
	if status.TasksCompleted != nil {
		s.Tasks = *status.TasksCompleted
	}
	if status.UptimeHuman != nil {
		s.Uptime = *status.UptimeHuman
	}
	if status.UptimeSeconds != nil {
		s.UptimeSeconds = *status.UptimeSeconds
	}
	if status.ActiveSessions != nil {
		s.ActiveSessions = *status.ActiveSessions
	}
	if status.Version != nil {
		s.Version = *status.Version
	}
	if status.Status != nil {
		s.DaemonStatus = *status.Status
	}
	s.LastHeartbeat = at
	return s
}
