package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"resourcecache/internal/errkind"
)

// Action is invoked on every tick. Returning an error or panicking is a tick failure.
type Action func(ctx context.Context) error

// Instance is a named recurring action
type Instance struct {
	ID       uuid.UUID
	Name     string
	Interval time.Duration
	Action   Action

	// StopOnError ends the instance's loop on the first failed tick instead of
	// logging the failure and waiting for the next one
	StopOnError bool
}

// NewInstance creates a validated instance with a fresh ID
func NewInstance(name string, interval time.Duration, action Action) (*Instance, error) {
	inst := &Instance{
		ID:       uuid.New(),
		Name:     name,
		Interval: interval,
		Action:   action,
	}
	if err := inst.validate(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (i *Instance) validate() error {
	if i.Name == "" {
		return errkind.Misuse("heartbeat instance name is required")
	}
	if i.Interval <= 0 {
		return errkind.Misuse("heartbeat instance %q: interval must be positive, got %v", i.Name, i.Interval)
	}
	if i.Action == nil {
		return errkind.Misuse("heartbeat instance %q: action is required", i.Name)
	}
	return nil
}

func (i *Instance) String() string {
	return fmt.Sprintf("heartbeat(%s, %v, id=%s)", i.Name, i.Interval, i.ID)
}

// State is the lifecycle position of a registered instance
type State int

const (
	StateRunning State = iota
	StateCancelling
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a snapshot of one registered instance
type Status struct {
	ID        uuid.UUID
	Name      string
	Interval  time.Duration
	State     State
	Ticks     int64
	Failures  int64
	Skipped   int64 // nominal ticks dropped because an action overran them
	LastError error
	LastTick  time.Time
	StartedAt time.Time
}
