package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/config"
	"github.com/captainteodor/vibess/pkg/utils"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

// Task represents a scheduled maintenance job
type Task struct {
	ID          string
	Name        string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	Status      TaskStatus
	Error       error
	RetryCount  int
	MaxRetries  int
	CronID      cron.EntryID
	ExecutionFn func(context.Context) error
}

// Scheduler runs maintenance jobs on cron schedules, bounded by a worker pool
type Scheduler struct {
	cron       *cron.Cron
	tasks      map[string]*Task
	config     *config.SchedConfig
	logger     *zap.Logger
	stats      SchedulerStats
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
}

// SchedulerStats represents scheduler statistics
type SchedulerStats struct {
	TasksScheduled  int64
	TasksCompleted  int64
	TasksFailed     int64
	AverageLatency  time.Duration
	ConcurrentTasks int
	LastUpdate      time.Time
}

// NewScheduler creates a new scheduler instance. Schedules use the standard
// five-field cron syntax or descriptors such as "@every 5m".
func NewScheduler(cfg *config.SchedConfig, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:       cron.New(),
		tasks:      make(map[string]*Task),
		config:     cfg,
		logger:     logger.Named("scheduler"),
		workerPool: make(chan struct{}, cfg.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the scheduler
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler",
		zap.Int("maxConcurrent", s.config.MaxConcurrent),
		zap.Int("tasks", len(s.ListTasks())))

	s.cron.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")

	s.cancel()
	<-s.cron.Stop().Done()

	return nil
}

// ScheduleTask adds a new task to the scheduler
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	cronID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	task.CronID = cronID
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.ID] = task
	s.stats.TasksScheduled++
	s.stats.LastUpdate = time.Now()

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("schedule", task.Schedule))

	return nil
}

// UnscheduleTask removes a task from the scheduler
func (s *Scheduler) UnscheduleTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)
	delete(s.tasks, taskID)

	s.logger.Info("Task unscheduled", zap.String("taskID", taskID))
	return nil
}

// TaskSnapshot is a point-in-time copy of a task's bookkeeping
type TaskSnapshot struct {
	ID         string
	Name       string
	Schedule   string
	Status     TaskStatus
	LastRun    time.Time
	NextRun    time.Time
	Error      error
	RetryCount int
}

// GetTask returns a snapshot of a task by ID
func (s *Scheduler) GetTask(taskID string) (TaskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return TaskSnapshot{}, fmt.Errorf("task %s not found", taskID)
	}
	return snapshot(task), nil
}

// ListTasks returns snapshots of all scheduled tasks
func (s *Scheduler) ListTasks() []TaskSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]TaskSnapshot, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, snapshot(task))
	}
	return tasks
}

// RunNow executes a scheduled task immediately, outside its cron schedule
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.executeTask(s.ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.Error
}

// GetSchedulerStats returns current scheduler statistics
func (s *Scheduler) GetSchedulerStats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.ConcurrentTasks = 0
	for _, task := range s.tasks {
		if task.Status == TaskStatusRunning {
			stats.ConcurrentTasks++
		}
	}
	return stats
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		return
	}

	start := time.Now()

	s.mu.Lock()
	if task.Status == TaskStatusRunning {
		// The previous run is still going.
		s.mu.Unlock()
		s.logger.Debug("Skipping overlapping run", zap.String("taskID", task.ID))
		return
	}
	task.Status = TaskStatusRunning
	task.LastRun = start
	task.RetryCount = 0
	s.mu.Unlock()

	err := s.runTaskWithRetries(ctx, task)

	s.mu.Lock()
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err
		s.stats.TasksFailed++
	} else {
		task.Status = TaskStatusComplete
		task.Error = nil
		s.stats.TasksCompleted++
	}
	task.NextRun = s.cron.Entry(task.CronID).Next
	s.stats.AverageLatency = (s.stats.AverageLatency*9 + time.Since(start)) / 10
	s.stats.LastUpdate = time.Now()
	s.mu.Unlock()

	s.logger.Info("Task execution completed",
		zap.String("taskID", task.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
}

func (s *Scheduler) runTaskWithRetries(ctx context.Context, task *Task) error {
	attempt := 0
	retry := &utils.RetryConfig{
		MaxAttempts:   task.MaxRetries + 1,
		InitialDelay:  s.config.RetryDelay,
		BackoffFactor: 1,
	}
	err := utils.RetryWithBackoff(ctx, func() error {
		defer func() { attempt++ }()

		s.mu.Lock()
		task.RetryCount = attempt
		s.mu.Unlock()

		err := task.ExecutionFn(ctx)
		if err != nil {
			s.logger.Warn("Task execution failed",
				zap.String("taskID", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		return err
	}, retry)
	if err != nil {
		return fmt.Errorf("task failed after %d retries: %w", task.MaxRetries, err)
	}
	return nil
}

func validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	if task.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if _, err := cron.ParseStandard(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}

func snapshot(task *Task) TaskSnapshot {
	return TaskSnapshot{
		ID:         task.ID,
		Name:       task.Name,
		Schedule:   task.Schedule,
		Status:     task.Status,
		LastRun:    task.LastRun,
		NextRun:    task.NextRun,
		Error:      task.Error,
		RetryCount: task.RetryCount,
	}
}
