package task

import (
	"context"

	"github.com/leonelquinteros/gotext"

	"github.com/nikicat/session-installer/internal/interaction"
	"github.com/nikicat/session-installer/internal/packagekit"
)

// depCheck asks about extra dependencies before installing t.packageIDs.
// It is skipped when the daemon cannot report dependencies or when either
// the administrator or the caller disabled the confirmation.
func (t *Task) depCheck() {
	if !t.deps.Settings.ShowDependsConfirm || !t.req.Flags.Has(interaction.ConfirmDeps) {
		t.installPackages()
		return
	}
	roles, err := t.deps.Backend.Roles(t.ctx)
	if err != nil {
		t.log.Debug("cannot read daemon roles, skipping dependency check", "err", err)
		t.installPackages()
		return
	}
	if !roles.Has(packagekit.RoleDependsOn) {
		t.installPackages()
		return
	}
	ids := t.packageIDs
	t.issue(StateDepCheck, func(ctx context.Context, s packagekit.Session) error {
		return s.DependsOn(ctx, packagekit.FilterNotInstalled, ids)
	})
}

func (t *Task) depsFound(deps []packagekit.Package) {
	if len(deps) == 0 {
		t.installPackages()
		return
	}
	p := Prompt{
		Kind:    PromptConfirmDeps,
		Title:   titleDeps(len(deps)),
		Message: gotext.GetN("Do you want to install this package now?", "Do you want to install these packages now?", len(deps)),
		Action:  gotext.Get("Install"),
	}
	for _, d := range deps {
		p.Details = append(p.Details, d.Printable())
	}
	t.confirm(p, func(ok bool) {
		if !ok {
			t.fail(newError(CodeCancelled, "did not agree to additional deps"))
			return
		}
		t.installPackages()
	})
}

func (t *Task) installPackages() {
	ids := t.packageIDs
	t.issue(StateInstalling, func(ctx context.Context, s packagekit.Session) error {
		s.SetOnlyTrusted(true)
		return s.InstallPackages(ctx, ids)
	})
}

func (t *Task) installFiles() {
	files := t.files
	t.issue(StateInstalling, func(ctx context.Context, s packagekit.Session) error {
		s.SetOnlyTrusted(true)
		return s.InstallFiles(ctx, files)
	})
}

// installed reports what was installed and replies true.
func (t *Task) installed(pkgs []packagekit.Package) {
	t.setState(StateReporting)
	if t.req.Flags.Has(interaction.ShowFinished) {
		var done []packagekit.Package
		for _, p := range pkgs {
			if p.Info == packagekit.InfoInstalling {
				done = append(done, p)
			}
		}
		if len(done) > 0 {
			t.publish(Event{
				Type:    EventInstalled,
				Title:   gotext.GetN("Package installed", "Packages installed", len(done)),
				Message: joinPrintable(done),
			})
		}
	}
	t.resolve(true)
}
