// Package services provides the application logic of the workflow
// orchestration engine.
//
// This package contains the services that coordinate multi-step
// processes:
//   - Durable step-by-step execution with retries, branching, and
//     crash recovery (WorkflowEngine)
//   - The versioned, validated workflow catalog (DefinitionRegistry)
//   - Instance-ceiling timeouts and cron-scheduled starts (TimeoutMonitor)
//   - Notification requests published for downstream delivery
//     (NotificationService)
//
// All services follow clean architecture principles with dependency
// injection against the interfaces in internal/domain/ports.
package services
