package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nikicat/session-installer/internal/interaction"
	"github.com/nikicat/session-installer/internal/logging"
	"github.com/nikicat/session-installer/internal/packagekit"
	"github.com/nikicat/session-installer/internal/task"
)

// ErrTaskNotFound is returned when a task ID is not live.
var ErrTaskNotFound = errors.New("task not found")

// Policy is the administrator part of the configuration. It is read when a
// request arrives, so replacing it affects new requests only.
type Policy struct {
	DefaultInteraction  string
	EnforcedInteraction string
	Settings            task.Settings
	IgnoredExecs        []string
}

// DefaultPolicy prompts for everything and enables every helper.
func DefaultPolicy() Policy {
	return Policy{
		DefaultInteraction: interaction.Default,
		Settings:           task.DefaultSettings(),
	}
}

// Resolver describes the process behind a bus sender.
type Resolver interface {
	Resolve(ctx context.Context, sender string, xid uint32) task.Caller
}

// Deps are the collaborators shared by every task.
type Deps struct {
	Backend  packagekit.Backend
	Gate     task.Gate
	Observer task.Observer
	Files    *task.FileChecker
	Callers  Resolver
	Audit    *logging.Logger
	Logger   *slog.Logger
}

// Call is one inbound Query or Modify method call.
type Call struct {
	Method      string
	Role        task.Role
	Sender      string
	XID         uint32
	Values      []string
	Interaction string
}

// Registry turns calls into tasks and keeps the set of live ones.
type Registry struct {
	deps Deps
	ctx  context.Context

	mu         sync.Mutex
	policy     Policy
	tasks      map[string]*task.Task
	lastActive time.Time
}

// NewRegistry creates a registry. Tasks run until they finish or ctx ends.
func NewRegistry(ctx context.Context, deps Deps, policy Policy) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = logging.Wrap(deps.Logger)
	}
	return &Registry{
		deps:       deps,
		ctx:        ctx,
		policy:     policy,
		tasks:      make(map[string]*task.Task),
		lastActive: time.Now(),
	}
}

// SetPolicy replaces the policy used for new requests.
func (r *Registry) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
	slog.Info("policy updated", "default_interaction", p.DefaultInteraction, "enforced_interaction", p.EnforcedInteraction)
}

// Policy returns the current policy.
func (r *Registry) Policy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// HandleRequest runs call to completion and returns the reply values or the error
// the caller gets. It blocks for the lifetime of the task.
func (r *Registry) HandleRequest(ctx context.Context, call Call) ([]any, *task.Error) {
	policy := r.Policy()

	var caller task.Caller
	if r.deps.Callers != nil {
		caller = r.deps.Callers.Resolve(ctx, call.Sender, call.XID)
	} else {
		caller = task.Caller{Sender: call.Sender, XID: call.XID}
	}

	if execIgnored(caller.Exec, policy.IgnoredExecs) {
		terr := &task.Error{Code: task.CodeForbidden, Message: "exec ignored: " + caller.Exec}
		r.deps.Audit.LogRejected(ctx, call.Method, caller.Exec, terr)
		return nil, terr
	}

	flags, timeout := interaction.Parse(policy.DefaultInteraction, call.Interaction, policy.EnforcedInteraction)
	t := task.New(task.Request{
		Role:        call.Role,
		Interaction: call.Interaction,
		Flags:       flags,
		Timeout:     timeout,
		Caller:      caller,
		Values:      call.Values,
	}, task.Deps{
		Backend:  r.deps.Backend,
		Gate:     r.deps.Gate,
		Observer: r.deps.Observer,
		Files:    r.deps.Files,
		Settings: policy.Settings,
		Logger:   r.deps.Logger,
	})

	r.add(t)
	defer r.remove(t.ID())

	t.Run(r.ctx)

	values, terr := t.Sink().Result()
	r.deps.Audit.LogRequest(ctx, call.Method, t.ID(), call.Values, call.Interaction, values, errOrNil(terr))
	return values, terr
}

// errOrNil keeps a nil *task.Error from becoming a non-nil error.
func errOrNil(e *task.Error) error {
	if e == nil {
		return nil
	}
	return e
}

func (r *Registry) add(t *task.Task) {
	r.mu.Lock()
	r.tasks[t.ID()] = t
	r.lastActive = time.Now()
	n := len(r.tasks)
	r.mu.Unlock()
	slog.Debug("task registered", "task_id", t.ID(), "live", n)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.lastActive = time.Now()
	n := len(r.tasks)
	r.mu.Unlock()
	slog.Debug("task removed", "task_id", id, "live", n)
}

// Tasks returns a snapshot of the live tasks, oldest first.
func (r *Registry) Tasks() []task.Info {
	r.mu.Lock()
	infos := make([]task.Info, 0, len(r.tasks))
	for _, t := range r.tasks {
		infos = append(infos, t.Info())
	}
	r.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Cancel stops a live task.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	slog.Info("cancelling task", "task_id", id)
	t.Cancel()
	return nil
}

// Live returns the number of running tasks.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// IdleFor returns how long the registry has had no live task, or 0 while
// one runs.
func (r *Registry) IdleFor(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) > 0 {
		return 0
	}
	return now.Sub(r.lastActive)
}

// WatchIdle checks every interval and calls onIdle once the registry has been
// idle for timeout and busy() reports nothing else outstanding. It returns
// after onIdle or when ctx ends.
func (r *Registry) WatchIdle(ctx context.Context, interval, timeout time.Duration, busy func() bool, onIdle func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			idle := r.IdleFor(now)
			if idle < timeout {
				continue
			}
			if busy != nil && busy() {
				continue
			}
			slog.Info("exiting after idle timeout", "idle", idle.Round(time.Second))
			onIdle()
			return
		}
	}
}
