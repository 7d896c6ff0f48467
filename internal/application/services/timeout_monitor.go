package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clearledger/backend/internal/domain/models"
)

// TimeoutMonitor is the engine's background sweep. Each tick it fails
// instances that exceeded their definition's overall ceiling and starts
// instances of definitions carrying a cron schedule.
//
// Step-level timeouts are armed per step by the engine; the monitor
// only enforces the whole-instance ceiling, which also catches
// instances parked indefinitely on a manual step.
type TimeoutMonitor struct {
	engine   *WorkflowEngine
	interval time.Duration

	mu       sync.Mutex
	running  bool
	stopped  bool // Prevents double-close of stopChan
	stopChan chan struct{}
	wg       sync.WaitGroup
	nextRuns map[string]time.Time // definition id -> next scheduled start
}

// NewTimeoutMonitor creates a monitor sweeping at the given interval
func NewTimeoutMonitor(engine *WorkflowEngine, interval time.Duration) *TimeoutMonitor {
	return &TimeoutMonitor{
		engine:   engine,
		interval: interval,
		stopChan: make(chan struct{}),
		nextRuns: make(map[string]time.Time),
	}
}

// Start begins the monitor background loop
func (m *TimeoutMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Println("⏰ Timeout monitor starting...")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Run immediately on start
	m.sweep()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopChan:
			log.Println("⏰ Timeout monitor stopping...")
			m.wg.Wait()
			log.Println("⏰ Timeout monitor stopped")
			return
		}
	}
}

// Stop gracefully stops the monitor
func (m *TimeoutMonitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	m.mu.Unlock()

	close(m.stopChan)
}

func (m *TimeoutMonitor) sweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("🔥 Panic in timeout monitor sweep: %v", r)
		}
	}()

	ctx := context.Background()
	m.sweepTimeouts(ctx)
	m.sweepSchedules(ctx)
}

// sweepTimeouts fails live instances that outlived their definition's
// overall ceiling
func (m *TimeoutMonitor) sweepTimeouts(ctx context.Context) {
	now := time.Now().UTC()
	for _, status := range []models.WorkflowStatus{models.WorkflowStatusRunning, models.WorkflowStatusWaitingApproval} {
		instances, err := m.engine.store.ListByStatus(ctx, status)
		if err != nil {
			log.Printf("⚠️ Timeout sweep failed to list %s instances: %v", status, err)
			continue
		}
		for _, instance := range instances {
			def, err := m.engine.definitions.Get(instance.DefinitionID)
			if err != nil || def.Timeout() <= 0 {
				continue
			}
			elapsed := now.Sub(instance.StartedAt)
			if elapsed <= def.Timeout() {
				continue
			}

			m.wg.Add(1)
			go func(id string, elapsed time.Duration) {
				defer m.wg.Done()
				if err := m.engine.TimeoutInstance(ctx, id, elapsed); err != nil {
					log.Printf("⚠️ Failed to time out workflow %s: %v", id, err)
				}
			}(instance.ID, elapsed)
		}
	}
}

// sweepSchedules starts instances of definitions whose cron schedule
// came due since the last sweep
func (m *TimeoutMonitor) sweepSchedules(ctx context.Context) {
	now := time.Now().UTC()
	for _, def := range m.engine.definitions.List() {
		if !def.Active || def.Schedule == nil || *def.Schedule == "" {
			continue
		}

		m.mu.Lock()
		next, known := m.nextRuns[def.ID]
		m.mu.Unlock()

		if !known {
			// First sighting: arm the schedule without firing
			m.armSchedule(def.ID, *def.Schedule, now)
			continue
		}
		if now.Before(next) {
			continue
		}

		m.armSchedule(def.ID, *def.Schedule, now)
		m.wg.Add(1)
		go func(definitionID string) {
			defer m.wg.Done()
			instanceID, err := m.engine.StartWorkflow(ctx, definitionID, nil, "scheduler")
			if err != nil {
				log.Printf("⚠️ Scheduled start of %s failed: %v", definitionID, err)
				return
			}
			log.Printf("⏰ Scheduled start of %s as instance %s", definitionID, instanceID)
		}(def.ID)
	}
}

// armSchedule computes and records the definition's next run time
func (m *TimeoutMonitor) armSchedule(definitionID, cronExpr string, now time.Time) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		log.Printf("⚠️ Invalid cron expression on definition %s: %v", definitionID, err)
		return
	}

	m.mu.Lock()
	m.nextRuns[definitionID] = schedule.Next(now)
	m.mu.Unlock()
}
