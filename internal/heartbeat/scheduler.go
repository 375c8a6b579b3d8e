// Package heartbeat runs named recurring actions, each on its own cancellable
// loop, and tracks their lifecycle.
package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"

	"resourcecache/internal/errkind"
	"resourcecache/internal/logging"
)

var (
	// ErrDuplicateInstance is returned when a running instance already has the name
	ErrDuplicateInstance = errkind.Misuse("heartbeat instance already running")
	// ErrSchedulerClosed is returned by Register after Close
	ErrSchedulerClosed = errkind.Misuse("heartbeat scheduler is closed")
	// ErrInstanceStopping is returned when the previous instance under the name
	// was cancelled but its loop has not exited yet
	ErrInstanceStopping = errkind.Misuse("heartbeat instance is still stopping")
)

// Options configures a Scheduler
type Options struct {
	// Clock drives every loop. Defaults to the wall clock.
	Clock  clock.Clock
	Logger logging.Sink
}

type registration struct {
	inst   *Instance
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

func (r *registration) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *registration) update(fn func(s *Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

func (r *registration) running() bool {
	return r.ctx.Err() == nil && r.snapshot().State == StateRunning
}

// Scheduler runs each registered instance on an independent loop. Ticks of one
// instance are strictly sequential and follow a fixed nominal schedule
// (registration time + k*Interval). Ticks that pass while an action is still
// running are skipped, not queued.
type Scheduler struct {
	clock  clock.Clock
	logger logging.Sink

	mu        sync.Mutex
	instances map[string]*registration
	closed    bool
}

// NewScheduler creates an empty scheduler
func NewScheduler(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Scheduler{
		clock:     opts.Clock,
		logger:    logging.OrNop(opts.Logger),
		instances: make(map[string]*registration),
	}
}

// Register starts inst's loop. A name may be reused once the loop of its
// previous instance has exited; use Wait after Cancel to reach that point.
func (s *Scheduler) Register(inst *Instance) error {
	if inst == nil {
		return errkind.Misuse("heartbeat instance is nil")
	}
	if err := inst.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	if prev, ok := s.instances[inst.Name]; ok {
		if prev.running() {
			s.mu.Unlock()
			return errors.Wrapf(ErrDuplicateInstance, "register %q", inst.Name)
		}
		// an in-flight action of the old loop must not overlap the new one
		select {
		case <-prev.done:
		default:
			s.mu.Unlock()
			return errors.Wrapf(ErrInstanceStopping, "register %q", inst.Name)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	start := s.clock.Now()
	r := &registration{
		inst:   inst,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{
			ID:        inst.ID,
			Name:      inst.Name,
			Interval:  inst.Interval,
			State:     StateRunning,
			StartedAt: start,
		},
	}
	s.instances[inst.Name] = r
	s.mu.Unlock()

	s.logger.Info(ctx, logging.ComponentHeartbeat, logging.ActionRegister, "Heartbeat instance registered", logging.Fields{
		"instance":    inst.Name,
		"id":          inst.ID.String(),
		"interval_ms": inst.Interval.Milliseconds(),
	})

	go s.run(r, start)
	return nil
}

func (s *Scheduler) run(r *registration, start time.Time) {
	defer close(r.done)
	inst := r.inst
	fields := logging.Fields{"instance": inst.Name, "id": inst.ID.String()}

	s.logger.Info(r.ctx, logging.ComponentHeartbeat, logging.ActionStart, "Heartbeat instance running", fields)

	final := StateStopped
	defer func() {
		r.cancel()
		r.update(func(st *Status) { st.State = final })
		s.logger.Info(context.Background(), logging.ComponentHeartbeat, logging.ActionStop, "Heartbeat instance stopped", logging.Fields{
			"instance": inst.Name,
			"id":       inst.ID.String(),
			"state":    final.String(),
		})
	}()

	next := start.Add(inst.Interval)
	for {
		timer := s.clock.Timer(next.Sub(s.clock.Now()))
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		// cancellation may race with the timer
		if r.ctx.Err() != nil {
			return
		}

		err := s.invoke(r)
		now := s.clock.Now()
		r.update(func(st *Status) {
			st.Ticks++
			st.LastTick = now
			if err != nil {
				st.Failures++
				st.LastError = err
			}
		})

		if err != nil {
			s.logger.Error(r.ctx, logging.ComponentHeartbeat, logging.ActionTick, "Heartbeat tick failed", err, fields)
			if inst.StopOnError {
				final = StateFailed
				return
			}
		}

		next = next.Add(inst.Interval)
		if next.Before(now) {
			missed := int64(now.Sub(next) / inst.Interval)
			next = next.Add(time.Duration(missed) * inst.Interval)
			if next.Before(now) {
				next = next.Add(inst.Interval)
				missed++
			}
			r.update(func(st *Status) { st.Skipped += missed })
		}
	}
}

// invoke runs one tick, turning errors and panics into ErrActionFailure
func (s *Scheduler) invoke(r *registration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errkind.Action(errors.Newf("panic: %v", p), "heartbeat %q", r.inst.Name)
		}
	}()
	if actionErr := r.inst.Action(r.ctx); actionErr != nil {
		return errkind.Action(actionErr, "heartbeat %q", r.inst.Name)
	}
	return nil
}

// Cancel requests a cooperative stop of the named instance. An in-flight
// action runs to completion. Reports whether a running instance was found.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	r, ok := s.instances[name]
	s.mu.Unlock()
	if !ok || !r.running() {
		return false
	}
	s.requestCancel(r)
	return true
}

func (s *Scheduler) requestCancel(r *registration) {
	r.update(func(st *Status) {
		if st.State == StateRunning {
			st.State = StateCancelling
		}
	})
	r.cancel()
	s.logger.Info(context.Background(), logging.ComponentHeartbeat, logging.ActionCancel, "Heartbeat instance cancel requested", logging.Fields{
		"instance": r.inst.Name,
		"id":       r.inst.ID.String(),
	})
}

// CancelAll requests a stop of every instance. With dispose it also waits for
// each loop to exit and forgets the instances.
func (s *Scheduler) CancelAll(dispose bool) {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.instances))
	for _, r := range s.instances {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	for _, r := range regs {
		if r.ctx.Err() == nil {
			s.requestCancel(r)
		}
	}
	if !dispose {
		return
	}

	for _, r := range regs {
		<-r.done
		s.mu.Lock()
		if s.instances[r.inst.Name] == r {
			delete(s.instances, r.inst.Name)
		}
		s.mu.Unlock()
		s.logger.Info(context.Background(), logging.ComponentHeartbeat, logging.ActionDispose, "Heartbeat instance disposed", logging.Fields{
			"instance": r.inst.Name,
			"id":       r.inst.ID.String(),
		})
	}
}

// IsRunning reports whether the named instance is registered and no stop has
// been requested
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.Lock()
	r, ok := s.instances[name]
	s.mu.Unlock()
	return ok && r.running()
}

// IsInstanceRunning is IsRunning for a specific registered instance
func (s *Scheduler) IsInstanceRunning(inst *Instance) bool {
	if inst == nil {
		return false
	}
	s.mu.Lock()
	r, ok := s.instances[inst.Name]
	s.mu.Unlock()
	return ok && r.inst == inst && r.running()
}

// Status returns a snapshot of the named instance
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.Lock()
	r, ok := s.instances[name]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return r.snapshot(), true
}

// Statuses returns a snapshot of every known instance, sorted by name
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.instances))
	for _, r := range s.instances {
		out = append(out, r.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists the instances that are currently running, sorted
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.instances))
	for name, r := range s.instances {
		if r.running() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Wait blocks until the named instance's loop has exited or ctx is done
func (s *Scheduler) Wait(ctx context.Context, name string) error {
	s.mu.Lock()
	r, ok := s.instances[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops and disposes every instance. Later registrations fail.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info(context.Background(), logging.ComponentHeartbeat, logging.ActionStop, "Heartbeat scheduler closing")
	s.CancelAll(true)
}
