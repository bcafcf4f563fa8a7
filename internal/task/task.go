// Package task runs one caller request against the package daemon. A task
// owns two sessions (one for the main work, one for licence and key
// authorization), asks the user through a Gate, and replies exactly once
// through its Sink.
package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leonelquinteros/gotext"

	"github.com/nikicat/session-installer/internal/interaction"
	"github.com/nikicat/session-installer/internal/packagekit"
)

// VendorURLs are help pages offered when nothing was found.
type VendorURLs struct {
	Package string `yaml:"package"`
	Codec   string `yaml:"codec"`
	Mime    string `yaml:"mime"`
	Font    string `yaml:"font"`
}

// Settings are the administrator preferences a task reads at creation.
type Settings struct {
	ShowDependsConfirm   bool
	ShowCopyConfirm      bool
	EnableCodecHelper    bool
	EnableMimeTypeHelper bool
	EnableFontHelper     bool
	VendorURLs           VendorURLs
}

// DefaultSettings enables every helper and confirmation.
func DefaultSettings() Settings {
	return Settings{
		ShowDependsConfirm:   true,
		ShowCopyConfirm:      true,
		EnableCodecHelper:    true,
		EnableMimeTypeHelper: true,
		EnableFontHelper:     true,
	}
}

// Deps wires a task to the outside world.
type Deps struct {
	Backend  packagekit.Backend
	Gate     Gate
	Observer Observer
	Files    *FileChecker
	Settings Settings
	Logger   *slog.Logger
}

// Request is what the caller asked for.
type Request struct {
	Role Role
	// Interaction is the caller's raw interaction string, kept for display.
	Interaction string
	Flags       interaction.Flags
	// Timeout in seconds; -1 leaves the daemon default.
	Timeout int
	Caller  Caller
	// Values holds the method arguments: names, files, mime types, codecs,
	// font tags, catalog paths or device IDs. InstallResources callers are
	// dispatched to the concrete role before the task is created.
	Values []string
}

// Task is one in-flight request.
type Task struct {
	id        string
	req       Request
	createdAt time.Time
	deps      Deps
	sink      *Sink
	log       *slog.Logger

	ctx          context.Context
	promptCtx    context.Context
	cancelPrompt context.CancelFunc
	primary      packagekit.Session
	secondary    packagekit.Session
	conts        chan func()
	stop         chan struct{}
	pending      int

	// Owned by the event loop.
	packages          []packagekit.Package
	packageIDs        []string
	files             []string
	errCodes          map[packagekit.SessionRole]*packagekit.ErrorCodeEvent
	untrustedRetried  bool
	requeueOnFinished bool
	codecs            []codec
	catalog           *catalogRun

	mu         sync.Mutex
	state      State
	status     packagekit.Status
	percentage uint32
	started    bool
	cancelled  bool
}

// New creates a task for req. It does not touch the bus until Run.
func New(req Request, deps Deps) *Task {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Files == nil {
		deps.Files = NewFileChecker(DefaultCacheDir())
	}
	id := uuid.NewString()
	t := &Task{
		id:         id,
		req:        req,
		createdAt:  time.Now(),
		deps:       deps,
		sink:       NewSink(),
		conts:      make(chan func()),
		stop:       make(chan struct{}),
		errCodes:   make(map[packagekit.SessionRole]*packagekit.ErrorCodeEvent),
		state:      StateCreated,
		percentage: 101,
	}
	t.log = deps.Logger.With("task_id", id, "role", req.Role.String(), "sender", req.Caller.Sender)
	return t
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Sink returns the reply slot.
func (t *Task) Sink() *Sink { return t.sink }

// Info returns a snapshot of the task.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:          t.id,
		Role:        t.req.Role,
		Interaction: t.req.Flags.String(),
		Caller:      t.req.Caller,
		CreatedAt:   t.createdAt,
		State:       t.state,
		Status:      t.status,
		StatusText:  t.status.String(),
		Percentage:  t.percentage,
		Packages:    append([]string(nil), t.packageIDs...),
		Files:       append([]string(nil), t.files...),
	}
}

// Cancel stops the task: pending prompts are refused and running
// transactions are cancelled. The reply becomes Cancelled.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	started := t.started
	cancel := t.cancelPrompt
	primary, secondary := t.primary, t.secondary
	t.mu.Unlock()
	if !started {
		return
	}
	cancel()
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, s := range []packagekit.Session{primary, secondary} {
		if s.State() == packagekit.StateActive {
			if err := s.Cancel(ctx); err != nil {
				t.log.Debug("cancel failed", "session", s.Role(), "err", err)
			}
		}
	}
}

// Run drives the task until every operation it started has finished. The
// reply is stored in the sink; Run always returns with the sink replied.
func (t *Task) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	promptCtx, cancelPrompt := context.WithCancel(ctx)
	defer cancelPrompt()

	primary, err := t.deps.Backend.NewSession(packagekit.Primary)
	if err != nil {
		t.fail(newError(CodeInternalError, "failed to create session: %v", err))
		t.finalize()
		return
	}
	defer primary.Close()
	secondary, err := t.deps.Backend.NewSession(packagekit.Secondary)
	if err != nil {
		t.fail(newError(CodeInternalError, "failed to create session: %v", err))
		t.finalize()
		return
	}
	defer secondary.Close()

	t.mu.Lock()
	t.ctx, t.promptCtx, t.cancelPrompt = ctx, promptCtx, cancelPrompt
	t.primary, t.secondary = primary, secondary
	t.started = true
	cancelled := t.cancelled
	t.mu.Unlock()

	t.log.Info("task started", "interaction", t.req.Flags.String(), "values", t.req.Values, "caller", t.req.Caller.Label)
	t.publish(Event{Type: EventStarted})
	if cancelled {
		cancelPrompt()
	}

	t.start()
	t.loop(ctx)
	close(t.stop)
	t.finalize()
}

func (t *Task) loop(ctx context.Context) {
	for t.pending > 0 {
		select {
		case ev := <-t.primary.Events():
			t.handleEvent(ev)
		case ev := <-t.secondary.Events():
			t.handleEvent(ev)
		case fn := <-t.conts:
			t.pending--
			fn()
		case <-ctx.Done():
			cctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			for _, s := range []packagekit.Session{t.primary, t.secondary} {
				if s.State() == packagekit.StateActive {
					s.Cancel(cctx) //nolint:errcheck
				}
			}
			done()
			t.fail(newError(CodeCancelled, "request was cancelled"))
			return
		}
	}
}

// finalize guarantees a reply and announces the end of the task.
func (t *Task) finalize() {
	if !t.sink.Replied() {
		t.log.Error("task ended without a reply")
		t.fail(newError(CodeInternalError, "context never was returned"))
	}
	t.setState(StateDone)
	_, err := t.sink.Result()
	t.publish(Event{Type: EventFinished, Err: err})
	if err != nil {
		t.log.Info("task finished", "error", err.Code.String(), "message", err.Message)
	} else {
		t.log.Info("task finished")
	}
}

func (t *Task) resolve(values ...any) {
	if err := t.sink.Resolve(values...); err != nil {
		t.log.Warn("dropping second reply", "err", err)
	}
}

func (t *Task) fail(e *Error) {
	if err := t.sink.Fail(e); err != nil {
		t.log.Warn("dropping second reply", "err", err, "code", e.Code.String(), "message", e.Message)
	}
}

// failWarn fails the task and, when warnings are allowed, tells the user.
func (t *Task) failWarn(e *Error, title, helpURL string) {
	t.warn(title, e.Message, helpURL)
	t.fail(e)
}

func (t *Task) warn(title, message, helpURL string) {
	if !t.req.Flags.Has(interaction.ShowWarning) {
		return
	}
	t.publish(Event{Type: EventWarning, Title: title, Message: message, HelpURL: helpURL})
}

func (t *Task) publish(ev Event) {
	if t.deps.Observer == nil {
		return
	}
	ev.Task = t.Info()
	t.deps.Observer.OnTaskEvent(ev)
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed {
		t.log.Debug("state changed", "state", s)
		t.publish(Event{Type: EventStateChanged})
	}
}

func (t *Task) setPackageIDs(ids []string) {
	t.mu.Lock()
	t.packageIDs = ids
	t.mu.Unlock()
}

func (t *Task) setFiles(files []string) {
	t.mu.Lock()
	t.files = files
	t.mu.Unlock()
}

// post hands fn to the event loop. It gives up once the loop is gone.
func (t *Task) post(fn func()) {
	select {
	case t.conts <- fn:
	case <-t.stop:
	}
}

// async runs work off the loop and posts its continuation back.
func (t *Task) async(work func(ctx context.Context) func()) {
	t.pending++
	ctx := t.promptCtx
	go func() {
		t.post(work(ctx))
	}()
}

func (t *Task) prompt(p Prompt) Prompt {
	p.TaskID = t.id
	p.Caller = t.req.Caller
	return p
}

// confirm asks the user and continues with the answer. Gate errors are
// refusals.
func (t *Task) confirm(p Prompt, then func(ok bool)) {
	p = t.prompt(p)
	prev := t.Info().State
	t.setState(StateConfirming)
	t.async(func(ctx context.Context) func() {
		ok, err := t.deps.Gate.Confirm(ctx, p)
		if err != nil {
			t.log.Debug("prompt not answered", "kind", p.Kind, "err", err)
			ok = false
		}
		return func() {
			if t.sink.Replied() {
				return
			}
			t.setState(prev)
			then(ok)
		}
	})
}

// choose asks the user to pick one of pkgs.
func (t *Task) choose(p Prompt, pkgs []packagekit.Package, then func(pkg *packagekit.Package)) {
	for _, pkg := range pkgs {
		p.Choices = append(p.Choices, Choice{ID: pkg.ID, Label: pkg.Printable(), Summary: pkg.Summary})
	}
	p = t.prompt(p)
	prev := t.Info().State
	t.setState(StateConfirming)
	t.async(func(ctx context.Context) func() {
		id, ok, err := t.deps.Gate.Choose(ctx, p)
		if err != nil {
			t.log.Debug("prompt not answered", "kind", p.Kind, "err", err)
			ok = false
		}
		return func() {
			if t.sink.Replied() {
				return
			}
			t.setState(prev)
			if ok {
				for i := range pkgs {
					if pkgs[i].ID == id {
						then(&pkgs[i])
						return
					}
				}
			}
			then(nil)
		}
	})
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// issue starts an operation on the primary session.
func (t *Task) issue(state State, op func(ctx context.Context, s packagekit.Session) error) {
	t.issueOn(t.primary, state, op)
}

func (t *Task) issueOn(s packagekit.Session, state State, op func(ctx context.Context, s packagekit.Session) error) {
	if t.isCancelled() {
		t.fail(newError(CodeCancelled, "request was cancelled"))
		return
	}
	if err := s.Reset(); err != nil {
		t.fail(newError(CodeInternalError, "failed to reset %s session: %v", s.Role(), err))
		return
	}
	s.SetTimeout(t.req.Timeout)
	delete(t.errCodes, s.Role())
	t.setState(state)
	if err := op(t.ctx, s); err != nil {
		t.fail(newError(CodeInternalError, "failed to start operation: %v", err))
		return
	}
	t.pending++
}

func (t *Task) requeuePrimary() {
	if t.isCancelled() {
		t.fail(newError(CodeCancelled, "request was cancelled"))
		return
	}
	t.primary.SetTimeout(t.req.Timeout)
	delete(t.errCodes, packagekit.Primary)
	if err := t.primary.Requeue(t.ctx); err != nil {
		t.fail(newError(CodeInternalError, "failed to requeue: %v", err))
		return
	}
	t.pending++
}

func (t *Task) handleEvent(ev packagekit.Event) {
	switch e := ev.(type) {
	case *packagekit.PackageEvent:
		t.log.Debug("package", "session", e.Source(), "info", e.Package.Info, "id", e.Package.ID)
	case *packagekit.StatusEvent:
		t.mu.Lock()
		t.status = e.Status
		t.mu.Unlock()
		if t.req.Flags.Has(interaction.ShowProgress) {
			t.publish(Event{Type: EventProgress})
		}
	case *packagekit.ProgressEvent:
		t.mu.Lock()
		t.percentage = e.Percentage
		t.mu.Unlock()
		if t.req.Flags.Has(interaction.ShowProgress) {
			t.publish(Event{Type: EventProgress})
		}
	case *packagekit.ErrorCodeEvent:
		t.log.Debug("backend error", "session", e.Source(), "code", e.Code, "details", e.Details)
		t.errCodes[e.Source()] = e
	case *packagekit.EulaEvent:
		t.handleEula(e)
	case *packagekit.SignatureEvent:
		t.handleSignature(e)
	case *packagekit.FinishedEvent:
		t.pending--
		t.log.Debug("operation finished", "session", e.Source(), "op", e.Role, "exit", e.Exit, "packages", len(e.Packages))
		if t.sink.Replied() {
			return
		}
		t.handleFinished(e)
	}
}

func (t *Task) handleFinished(e *packagekit.FinishedEvent) {
	if e.Err != nil {
		t.fail(newError(CodeInternalError, "%s failed: %v", e.Role, e.Err))
		return
	}

	if e.Source() == packagekit.Primary {
		switch e.Exit {
		case packagekit.ExitKeyRequired, packagekit.ExitEulaRequired:
			// The secondary session authorizes and requeues.
			if t.requeueOnFinished {
				t.requeueOnFinished = false
				t.requeuePrimary()
			}
			return
		case packagekit.ExitNeedUntrusted:
			t.handleNeedUntrusted()
			return
		}
	}

	if e.Source() == packagekit.Secondary && e.Exit == packagekit.ExitSuccess {
		t.setState(StateInstalling)
		if t.primary.State() == packagekit.StateActive {
			t.requeueOnFinished = true
			return
		}
		t.requeuePrimary()
		return
	}

	if e.Exit != packagekit.ExitSuccess {
		var code packagekit.ErrorCode
		var details string
		if ec := t.errCodes[e.Source()]; ec != nil {
			code, details = ec.Code, ec.Details
		}
		err := exitError(e.Exit, code, details)
		if err.Code == CodeCancelled {
			t.fail(err)
			return
		}
		t.failWarn(err, t.failureTitle(), "")
		return
	}

	t.dispatch(e)
}

// dispatch routes a successful primary completion to the next stage.
func (t *Task) dispatch(e *packagekit.FinishedEvent) {
	pkgs := e.Packages
	switch e.Role {
	case packagekit.RoleResolve:
		switch t.req.Role {
		case RoleIsInstalled:
			t.resolve(len(pkgs) > 0)
			return
		case RoleInstallPackageNames:
			t.namesResolved(pkgs)
			return
		case RoleInstallCatalogs:
			t.catalogStep(pkgs)
			return
		}
	case packagekit.RoleSearchFile:
		switch t.req.Role {
		case RoleSearchFile:
			t.searchFileDone(pkgs)
			return
		case RoleInstallProvideFiles:
			t.provideFilesFound(pkgs)
			return
		case RoleRemovePackageByFiles:
			t.removeFound(pkgs)
			return
		case RoleInstallCatalogs:
			t.catalogStep(pkgs)
			return
		}
	case packagekit.RoleWhatProvides:
		switch t.req.Role {
		case RoleInstallMimeTypes:
			t.mimeFound(pkgs)
			return
		case RoleInstallGstreamerResources:
			t.codecsFound(pkgs)
			return
		case RoleInstallFontconfigResources:
			t.fontsFound(pkgs)
			return
		case RoleInstallPrinterDrivers:
			t.printerFound(pkgs)
			return
		case RoleInstallCatalogs:
			t.catalogStep(pkgs)
			return
		}
	case packagekit.RoleDependsOn:
		t.depsFound(pkgs)
		return
	case packagekit.RoleInstallPackages, packagekit.RoleInstallFiles:
		t.installed(pkgs)
		return
	case packagekit.RoleRemovePackages:
		t.setState(StateReporting)
		t.resolve(true)
		return
	}
	t.fail(newError(CodeInternalError, "unexpected %s completion for %s", e.Role, t.req.Role))
}

func (t *Task) handleNeedUntrusted() {
	if t.untrustedRetried {
		t.failWarn(newError(CodeFailed, "package could not be installed from a trusted source"), t.failureTitle(), "")
		return
	}
	t.untrustedRetried = true
	retry := func() {
		t.setState(StateInstalling)
		t.primary.SetOnlyTrusted(false)
		t.requeuePrimary()
	}
	ec := t.errCodes[packagekit.Primary]
	if ec != nil && ec.Code.IsSignatureError() && t.req.Flags.Has(interaction.ShowWarning) {
		t.setState(StateAwaitingUntrustedConfirm)
		t.confirm(Prompt{
			Kind:    PromptUntrusted,
			Title:   gotext.Get("The package is not signed by a trusted provider."),
			Message: ec.Details,
			Action:  gotext.Get("Install"),
		}, func(ok bool) {
			if !ok {
				t.fail(newError(CodeCancelled, "did not agree to install untrusted software"))
				return
			}
			retry()
		})
		return
	}
	retry()
}

func (t *Task) handleEula(e *packagekit.EulaEvent) {
	if e.Source() != packagekit.Primary {
		return
	}
	t.setState(StateAwaitingAuth)
	t.confirm(Prompt{
		Kind:    PromptEula,
		Title:   gotext.Get("License Agreement Required"),
		Message: e.License,
		Details: []string{e.PackageID, e.Vendor},
		Action:  gotext.Get("Agree"),
	}, func(ok bool) {
		if !ok {
			t.fail(newError(CodeCancelled, "did not agree to licence"))
			return
		}
		t.issueOn(t.secondary, StateAwaitingAuth, func(ctx context.Context, s packagekit.Session) error {
			return s.AcceptEula(ctx, e.EulaID)
		})
	})
}

func (t *Task) handleSignature(e *packagekit.SignatureEvent) {
	if e.Source() != packagekit.Primary {
		return
	}
	t.setState(StateAwaitingAuth)
	t.confirm(Prompt{
		Kind:    PromptSignature,
		Title:   gotext.Get("Software signature is required"),
		Message: e.RepoName,
		Details: []string{
			"url: " + e.KeyURL,
			"user: " + e.KeyUserID,
			"id: " + e.KeyID,
			"fingerprint: " + e.Fingerprint,
			"timestamp: " + e.Timestamp,
		},
		Action: gotext.Get("Yes"),
	}, func(ok bool) {
		if !ok {
			t.fail(newError(CodeCancelled, "did not agree to trust the signing key"))
			return
		}
		t.issueOn(t.secondary, StateAwaitingAuth, func(ctx context.Context, s packagekit.Session) error {
			return s.InstallSignature(ctx, e.Type, e.KeyID, e.PackageID)
		})
	})
}
