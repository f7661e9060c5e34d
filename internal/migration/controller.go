package migration

import (
	"context"
	"errors"
	"sync"

	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// ErrCancelled is returned from checkpoints once Cancel has been observed.
var ErrCancelled = errors.New("migration cancelled")

// ErrAlreadyRunning is returned when a second run is started on one engine.
var ErrAlreadyRunning = errors.New("migration already running")

// Controller is the cooperative pause/resume/cancel surface for one run.
// Checkpoints are evaluated at loop-iteration boundaries only, so a pause or
// cancel never interrupts an in-flight backend call.
type Controller struct {
	mu        sync.Mutex
	status    models.MigrationStatus
	resume    chan struct{}
	cancelled chan struct{}
}

// NewController builds an idle controller.
func NewController() *Controller {
	return &Controller{
		status:    models.StatusIdle,
		cancelled: make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (c *Controller) Status() models.MigrationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != models.StatusIdle {
		return ErrAlreadyRunning
	}
	c.status = models.StatusRunning
	return nil
}

func (c *Controller) complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == models.StatusRunning || c.status == models.StatusPaused {
		c.status = models.StatusCompleted
	}
}

// Pause requests suspension at the next checkpoint.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != models.StatusRunning {
		return
	}
	c.status = models.StatusPaused
	c.resume = make(chan struct{})
}

// Resume unblocks every checkpoint waiting on a previous Pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != models.StatusPaused {
		return
	}
	c.status = models.StatusRunning
	if c.resume != nil {
		close(c.resume)
		c.resume = nil
	}
}

// Cancel stops the run at the next checkpoint. A paused run is unblocked so
// the waiting loop can observe the cancellation and exit. Nothing already
// created remotely is rolled back.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case models.StatusRunning, models.StatusPaused, models.StatusIdle:
	default:
		return
	}
	c.status = models.StatusCancelled
	if c.resume != nil {
		close(c.resume)
		c.resume = nil
	}
	close(c.cancelled)
}

// checkpoint blocks while the run is paused and reports cancellation. Phase
// loops call it before every per-user and per-class unit of work.
func (c *Controller) checkpoint(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.status {
		case models.StatusCancelled:
			c.mu.Unlock()
			return ErrCancelled
		case models.StatusPaused:
			resume := c.resume
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.cancelled:
				return ErrCancelled
			case <-resume:
			}
		default:
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return nil
			}
		}
	}
}
