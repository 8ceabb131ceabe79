// Package slots allocates physical execution units (GPU devices) to pipeline
// stages. Each device holds at most one job's stage at a time; acquisition is
// non-blocking and callers decide their own retry policy.
package slots

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LyKhan77/protoscale/internal/model"
)

var (
	slotOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "protoscale_slot_occupied",
			Help: "Whether a device slot is currently occupied (1) or empty (0).",
		},
		[]string{"device"},
	)

	stageCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protoscale_stage_completions_total",
			Help: "Total number of completed pipeline stage executions.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(slotOccupancy)
	prometheus.MustRegister(stageCompletions)
}

// nextStage maps each stage to its successor in the local pipeline order.
var nextStage = map[model.Stage]model.Stage{
	model.StageRembg:       model.StageGeometry,
	model.StageGeometry:    model.StageTexture,
	model.StageTexture:     model.StagePostprocess,
	model.StagePostprocess: model.StageCompleted,
}

// Occupant describes the job currently holding a device slot.
type Occupant struct {
	JobID     string      `json:"job_id"`
	Stage     model.Stage `json:"stage"`
	StartedAt time.Time   `json:"started_at"`
}

// Metrics is a consistent point-in-time snapshot of pipeline counters.
type Metrics struct {
	TotalJobsProcessed int                  `json:"total_jobs_processed"`
	UptimeSeconds      float64              `json:"uptime_seconds"`
	CurrentSlots       map[string]*Occupant `json:"current_slots"`
	AvgStageTimes      map[string]float64   `json:"avg_stage_times"`
}

// Manager owns the device slot table and pipeline metrics. All operations
// take the manager mutex; slot count is small and contention is low, so one
// lock keeps every read a consistent snapshot across all slots.
type Manager struct {
	mu sync.Mutex

	slots         map[string]*Occupant
	stageToDevice map[model.Stage]string
	defaultDevice string

	totalJobs int
	durations map[model.Stage][]float64
	startedAt time.Time
}

// NewManager creates a manager for the given stage→device table. The first
// device mapped to the geometry stage doubles as the default for unmapped
// stages.
func NewManager(stageToDevice map[model.Stage]string) *Manager {
	m := &Manager{
		slots:         make(map[string]*Occupant),
		stageToDevice: make(map[model.Stage]string, len(stageToDevice)),
		durations:     make(map[model.Stage][]float64),
		startedAt:     time.Now(),
	}
	for stage, device := range stageToDevice {
		m.stageToDevice[stage] = device
		if _, ok := m.slots[device]; !ok {
			m.slots[device] = nil
			slotOccupancy.WithLabelValues(device).Set(0)
		}
	}
	m.defaultDevice = stageToDevice[model.StageGeometry]
	return m
}

// DeviceForStage returns the device configured for the given stage, falling
// back to the default device for stages with no explicit mapping.
func (m *Manager) DeviceForStage(stage model.Stage) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if device, ok := m.stageToDevice[stage]; ok {
		return device
	}
	return m.defaultDevice
}

// TryAcquire atomically claims the device for the job's stage. It returns
// false without blocking if the slot is already occupied or the device is
// unknown; the existing occupant is never disturbed.
func (m *Manager) TryAcquire(device, jobID string, stage model.Stage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ, ok := m.slots[device]
	if !ok || occ != nil {
		return false
	}

	m.slots[device] = &Occupant{
		JobID:     jobID,
		Stage:     stage,
		StartedAt: time.Now(),
	}
	slotOccupancy.WithLabelValues(device).Set(1)
	return true
}

// Release frees the device slot if it is held by the given job, returning
// the stage that was running. Release by a non-owning job is a no-op and
// reports false — that is a caller bug, not a state change.
func (m *Manager) Release(device, jobID string) (model.Stage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ := m.slots[device]
	if occ == nil || occ.JobID != jobID {
		return "", false
	}

	m.slots[device] = nil
	slotOccupancy.WithLabelValues(device).Set(0)
	return occ.Stage, true
}

// NextStage returns the stage that follows the given one in pipeline order,
// or false when the stage has no successor.
func (m *Manager) NextStage(stage model.Stage) (model.Stage, bool) {
	next, ok := nextStage[stage]
	return next, ok
}

// RecordCompletion records one finished stage execution for metrics.
func (m *Manager) RecordCompletion(stage model.Stage, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalJobs++
	m.durations[stage] = append(m.durations[stage], d.Seconds())
	stageCompletions.WithLabelValues(string(stage)).Inc()
}

// Metrics returns aggregate pipeline counters: total stage completions,
// per-stage mean duration (0 when a stage has no recordings), the current
// slot occupancy, and process uptime.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := Metrics{
		TotalJobsProcessed: m.totalJobs,
		UptimeSeconds:      time.Since(m.startedAt).Seconds(),
		CurrentSlots:       make(map[string]*Occupant, len(m.slots)),
		AvgStageTimes:      make(map[string]float64, len(m.durations)),
	}

	for device, occ := range m.slots {
		if occ == nil {
			snapshot.CurrentSlots[device] = nil
			continue
		}
		c := *occ
		snapshot.CurrentSlots[device] = &c
	}

	for stage, times := range m.durations {
		var sum float64
		for _, v := range times {
			sum += v
		}
		avg := 0.0
		if len(times) > 0 {
			avg = sum / float64(len(times))
		}
		snapshot.AvgStageTimes[string(stage)] = avg
	}

	return snapshot
}
