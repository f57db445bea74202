// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ChainHealth contains health metrics for a specific blockchain chain.
type ChainHealth struct {
	ChainID        string       `json:"chain_id"`
	Status         SystemStatus `json:"status"`
	HeadBlock      uint64       `json:"head_block"`
	BlockLag       uint64       `json:"block_lag"`
	ListenerStatus string       `json:"listener_status"`
	QueueDepth     int          `json:"queue_depth"`
	FailedJobs     int          `json:"failed_jobs"`
	QueueStalled   bool         `json:"queue_stalled"`
	Errors         []string     `json:"errors,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Chains       map[string]ChainHealth `json:"chains"`
}

// Overall returns the worst status across chains.
func Overall(chains map[string]ChainHealth) SystemStatus {
	status := StatusHealthy
	for _, chain := range chains {
		if chain.Status == StatusCritical {
			return StatusCritical
		}
		if chain.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
