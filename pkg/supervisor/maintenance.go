package supervisor

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled maintenance action, such as a cache sweep.
type Job struct {
	// Name identifies the job in logs
	Name string

	// Spec is a cron expression, standard five-field form
	Spec string

	// Run executes the job
	Run func()
}

// Maintenance drives periodic cleanup jobs on cron schedules. It is
// shaped as a Task so the supervisor owns its lifecycle.
type Maintenance struct {
	jobs []Job
}

// NewMaintenance creates a scheduler over the given jobs.
func NewMaintenance(jobs ...Job) *Maintenance {
	return &Maintenance{jobs: jobs}
}

// Task wraps the scheduler as a supervised task.
func (m *Maintenance) Task() Task {
	return Task{Name: "maintenance", Run: m.run}
}

func (m *Maintenance) run(ctx context.Context) error {
	c := cron.New()
	for _, job := range m.jobs {
		job := job
		if _, err := c.AddFunc(job.Spec, func() {
			slog.Debug("maintenance job running", "job", job.Name)
			job.Run()
		}); err != nil {
			return err
		}
	}
	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
