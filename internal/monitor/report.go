package monitor

import (
	"sort"
	"time"
)

// MachineSummary is one line of the report rankings.
type MachineSummary struct {
	MachineID  string  `json:"machine_id"`
	Score      float64 `json:"score,omitempty"`
	ErrorCount int     `json:"error_count,omitempty"`
}

// Report is a point-in-time summary derived purely from in-memory state.
type Report struct {
	GeneratedAt             time.Time        `json:"generated_at"`
	TotalMachines           int              `json:"total_machines"`
	HealthyMachines         int              `json:"healthy_machines"`
	TotalTransitions        int              `json:"total_transitions"`
	TotalErrors             int              `json:"total_errors"`
	AveragePerformanceScore float64          `json:"average_performance_score"`
	TopHealthy              []MachineSummary `json:"top_healthy"`
	TopErrorProne           []MachineSummary `json:"top_error_prone"`
}

const reportTopN = 5

// GenerateReport summarizes the monitor's current view of the system.
func (m *Monitor) GenerateReport() Report {
	now := time.Now()
	regs := m.source.RegisteredMachines()

	m.mu.Lock()
	defer m.mu.Unlock()

	rep := Report{
		GeneratedAt:   now.UTC(),
		TotalMachines: len(regs),
	}

	byHealth := make([]MachineSummary, 0, len(regs))
	byErrors := make([]MachineSummary, 0, len(regs))
	for _, reg := range regs {
		s, ok := m.machines[reg.ID]
		if !ok {
			s = &machineStats{}
		}
		score := m.healthScoreLocked(reg, now)
		if !s.unhealthy && reg.IsActive {
			rep.HealthyMachines++
		}
		byHealth = append(byHealth, MachineSummary{MachineID: reg.ID, Score: score})
		if s.errors > 0 {
			byErrors = append(byErrors, MachineSummary{MachineID: reg.ID, ErrorCount: s.errors})
		}
	}

	for _, ev := range m.events {
		rep.TotalTransitions++
		if !ev.Success {
			rep.TotalErrors++
		}
	}

	var scoreSum float64
	for _, snap := range m.snapshots {
		scoreSum += snap.PerformanceScore
	}
	if len(m.snapshots) > 0 {
		rep.AveragePerformanceScore = scoreSum / float64(len(m.snapshots))
	}

	sort.Slice(byHealth, func(i, j int) bool { return byHealth[i].Score > byHealth[j].Score })
	sort.Slice(byErrors, func(i, j int) bool { return byErrors[i].ErrorCount > byErrors[j].ErrorCount })
	rep.TopHealthy = topN(byHealth, reportTopN)
	rep.TopErrorProne = topN(byErrors, reportTopN)

	return rep
}

func topN(in []MachineSummary, n int) []MachineSummary {
	if len(in) > n {
		in = in[:n]
	}
	out := make([]MachineSummary, len(in))
	copy(out, in)
	return out
}
