package monitor

import "github.com/strombase/dmapool/internal/dmabuf"

// Request is sent from a client (dmapool status/top) to the pool daemon.
type Request struct {
	Type string `json:"type"` // "status", "stats", "stop"
}

// Response is sent from the pool daemon to the client.
type Response struct {
	Type   string        `json:"type"`             // "status", "stats", "ok", "error"
	Status *Status       `json:"status,omitempty"` // for status
	Stats  *dmabuf.Stats `json:"stats,omitempty"`  // for stats
	Error  string        `json:"error,omitempty"`  // for error
}

// Status describes the daemon process that owns the pool.
type Status struct {
	Running        bool   `json:"running"`
	PID            int    `json:"pid"`
	Group          string `json:"group"`
	InstanceID     int    `json:"instance_id"`
	NumSegments    int    `json:"num_segments"`
	ActiveSegments int    `json:"active_segments"`
	UptimeSeconds  int    `json:"uptime_seconds"`
}
