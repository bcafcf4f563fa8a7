package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/leonelquinteros/gotext"

	"github.com/nikicat/session-installer/internal/interaction"
	"github.com/nikicat/session-installer/internal/packagekit"
)

const lookupFilter = packagekit.FilterNotInstalled | packagekit.FilterArch | packagekit.FilterNewest

func (t *Task) start() {
	v := t.req.Values
	switch t.req.Role {
	case RoleIsInstalled:
		t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
			return s.Resolve(ctx, packagekit.FilterInstalled, v)
		})
	case RoleSearchFile:
		t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
			return s.SearchFiles(ctx, packagekit.FilterNewest, strings.Split(v[0], "&"))
		})
	case RoleInstallPackageFiles:
		t.startPackageFiles()
	case RoleInstallProvideFiles:
		t.startProvideFiles()
	case RoleInstallPackageNames:
		t.startPackageNames()
	case RoleInstallMimeTypes:
		t.startMimeTypes()
	case RoleInstallGstreamerResources:
		t.startCodecs()
	case RoleInstallFontconfigResources:
		t.startFonts()
	case RoleInstallCatalogs:
		t.startCatalogs()
	case RoleInstallPrinterDrivers:
		t.startPrinterDrivers()
	case RoleRemovePackageByFiles:
		t.startRemoveByFiles()
	default:
		t.fail(newError(CodeInternalError, "unsupported role %s", t.req.Role))
	}
}

// confirmSearch runs next directly unless the caller allowed a search
// confirmation, in which case the user must agree first.
func (t *Task) confirmSearch(p Prompt, refusal string, next func()) {
	if !t.req.Flags.Has(interaction.ConfirmSearch) {
		next()
		return
	}
	if p.Kind == "" {
		p.Kind = PromptConfirmSearch
	}
	if p.Action == "" {
		p.Action = gotext.Get("Search")
	}
	t.confirm(p, func(ok bool) {
		if !ok {
			t.fail(newError(CodeCancelled, "%s", refusal))
			return
		}
		next()
	})
}

// confirmInstall is confirmSearch for the install confirmation.
func (t *Task) confirmInstall(p Prompt, pkgs []packagekit.Package, refusal string, next func()) {
	if !t.req.Flags.Has(interaction.ConfirmInstall) {
		next()
		return
	}
	p.Kind = PromptConfirmInstall
	if p.Action == "" {
		p.Action = gotext.Get("Install")
	}
	for _, pkg := range pkgs {
		p.Details = append(p.Details, pkg.Printable())
	}
	t.confirm(p, func(ok bool) {
		if !ok {
			t.fail(newError(CodeCancelled, "%s", refusal))
			return
		}
		next()
	})
}

func (t *Task) searchFileDone(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.fail(newError(CodeFailed, "failed to find any packages"))
		return
	}
	first := pkgs[0]
	t.setState(StateReporting)
	t.resolve(first.Info == packagekit.InfoInstalled, first.Name())
}

// Local files.

func (t *Task) startPackageFiles() {
	files := t.req.Values
	t.setFiles(files)
	t.confirmSearch(Prompt{
		Kind:    PromptConfirmFiles,
		Title:   titleInstallFiles(len(files)),
		Details: files,
		Action:  gotext.Get("Install"),
	}, "did not agree to install files", t.validateFiles)
}

func (t *Task) validateFiles() {
	fc := t.deps.Files
	if err := fc.CheckExist(t.files); err != nil {
		t.failWarn(newError(CodeFailed, "files not found: %v", err),
			gotext.Get("Failed to install files"), "")
		return
	}
	supported, err := t.deps.Backend.MimeTypes(t.ctx)
	if err != nil {
		t.fail(newError(CodeInternalError, "failed to get supported types: %v", err))
		return
	}
	if err := fc.CheckSupported(t.files, supported); err != nil {
		t.failWarn(newError(CodeFailed, "files not supported by the package system: %v", err),
			gotext.Get("Failed to install files"), "")
		return
	}
	nonNative, err := fc.NonNative(t.files)
	if err != nil {
		t.fail(newError(CodeInternalError, "failed to check file location: %v", err))
		return
	}
	if len(nonNative) == 0 {
		t.installFiles()
		return
	}
	if !t.deps.Settings.ShowCopyConfirm {
		t.copyFiles(nonNative)
		return
	}
	t.confirm(Prompt{
		Kind:    PromptConfirmCopy,
		Title:   gotext.GetN("Copy file from remote location?", "Copy files from remote location?", len(nonNative)),
		Message: gotext.Get("The package system cannot read files on this location, they will be copied to a local cache first."),
		Details: nonNative,
		Action:  gotext.Get("Copy"),
	}, func(ok bool) {
		if !ok {
			t.fail(newError(CodeCancelled, "did not agree to copy files"))
			return
		}
		t.copyFiles(nonNative)
	})
}

func (t *Task) copyFiles(nonNative []string) {
	fc := t.deps.Files
	t.async(func(ctx context.Context) func() {
		copies := make(map[string]string, len(nonNative))
		var copyErr error
		for _, f := range nonNative {
			dst, err := fc.CopyToCache(ctx, f)
			if err != nil {
				copyErr = err
				break
			}
			copies[f] = dst
		}
		return func() {
			if copyErr != nil {
				if t.isCancelled() {
					t.fail(newError(CodeCancelled, "request was cancelled"))
					return
				}
				t.fail(newError(CodeInternalError, "failed to copy file: %v", copyErr))
				return
			}
			files := make([]string, len(t.files))
			for i, f := range t.files {
				if dst, ok := copies[f]; ok {
					files[i] = dst
				} else {
					files[i] = f
				}
			}
			t.log.Debug("copied files to native cache", "files", copies)
			t.setFiles(files)
			t.installFiles()
		}
	})
}

// Provided files.

func (t *Task) startProvideFiles() {
	files := t.req.Values
	t.setFiles(files)
	t.confirmSearch(Prompt{
		Title:   titleProvideFiles(t.req.Caller, len(files)),
		Message: gotext.Get("Do you want to search for this now?"),
		Details: files,
	}, "did not agree to search", func() {
		t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
			return s.SearchFiles(ctx, packagekit.FilterArch|packagekit.FilterNewest, files)
		})
	})
}

func (t *Task) provideFilesFound(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.failWarn(newError(CodeNoPackagesFound, "no files found"),
			gotext.Get("Failed to find package"), t.deps.Settings.VendorURLs.Package)
		return
	}
	var available []packagekit.Package
	for _, p := range pkgs {
		switch p.Info {
		case packagekit.InfoInstalled:
			t.failWarn(newError(CodeFailed, "already provided"),
				gotext.Get("The package is already installed"), "")
			return
		case packagekit.InfoAvailable:
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		t.failWarn(newError(CodeFailed, "incorrect response from search"),
			gotext.Get("Failed to find package"), "")
		return
	}
	t.packages = available[:1]
	t.setPackageIDs(packagekit.IDs(t.packages))
	t.depCheck()
}

// Package names.

func (t *Task) startPackageNames() {
	names := t.req.Values
	msg := gotext.GetN("An additional package is required:", "Additional packages are required:", len(names))
	p := Prompt{
		Title:   titleInstallPackages(t.req.Caller, len(names)),
		Message: msg + "\n" + bulletList(names) + "\n" + gotext.Get("Do you want to search for and install this package now?"),
		Details: names,
	}
	next := func() {
		t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
			return s.Resolve(ctx, packagekit.FilterArch|packagekit.FilterNewest, names)
		})
	}
	if !t.req.Flags.Has(interaction.ConfirmInstall) {
		next()
		return
	}
	p.Kind = PromptConfirmInstall
	p.Action = gotext.Get("Install")
	t.confirm(p, func(ok bool) {
		if !ok {
			t.fail(newError(CodeCancelled, "did not agree to search"))
			return
		}
		next()
	})
}

func (t *Task) namesResolved(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.failWarn(newError(CodeNoPackagesFound, "no package found"),
			gotext.Get("Could not find packages"), t.deps.Settings.VendorURLs.Package)
		return
	}
	var available []packagekit.Package
	for _, p := range pkgs {
		switch p.Info {
		case packagekit.InfoInstalled:
			t.failWarn(newError(CodeFailed, "package already found"),
				gotext.Get("The package is already installed"), "")
			return
		case packagekit.InfoAvailable:
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		t.failWarn(newError(CodeFailed, "incorrect response from search"),
			gotext.Get("Failed to find package"), "")
		return
	}
	if len(t.req.Values) == 1 && len(available) > 1 {
		t.chooseAndInstall(available)
		return
	}
	t.packages = available
	t.setPackageIDs(packagekit.IDs(available))
	t.depCheck()
}

// chooseAndInstall lets the user pick one of several candidates.
func (t *Task) chooseAndInstall(pkgs []packagekit.Package) {
	t.choose(Prompt{
		Kind:    PromptChoosePackage,
		Title:   gotext.Get("Applications that can open this type of file"),
		Message: gotext.Get("Select a package to install"),
		Action:  gotext.Get("Install"),
	}, pkgs, func(pkg *packagekit.Package) {
		if pkg == nil {
			t.fail(newError(CodeCancelled, "did not choose anything to install"))
			return
		}
		t.packages = []packagekit.Package{*pkg}
		t.setPackageIDs([]string{pkg.ID})
		t.depCheck()
	})
}

// Mime types.

func (t *Task) startMimeTypes() {
	types := t.req.Values
	if !t.deps.Settings.EnableMimeTypeHelper {
		t.fail(newError(CodeForbidden, "not enabled in configuration: mime type helper"))
		return
	}
	t.confirmSearch(Prompt{
		Title:   titleMimeTypes(t.req.Caller, len(types)),
		Message: gotext.Get("An additional program is required to open this type of file:") + "\n" + bulletList(types),
		Details: types,
	}, "did not agree to search", func() {
		t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
			return s.WhatProvides(ctx, lookupFilter, packagekit.ProvidesMimetype, types)
		})
	})
}

func (t *Task) mimeFound(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.failWarn(newError(CodeNoPackagesFound, "nothing was found to handle mime type"),
			gotext.Get("Failed to find software"), t.deps.Settings.VendorURLs.Mime)
		return
	}
	if len(pkgs) > 1 {
		t.chooseAndInstall(pkgs)
		return
	}
	t.packages = pkgs
	t.setPackageIDs(packagekit.IDs(pkgs))
	t.depCheck()
}

// Codecs.

func (t *Task) startCodecs() {
	if !t.deps.Settings.EnableCodecHelper {
		t.fail(newError(CodeForbidden, "not enabled in configuration: codec helper"))
		return
	}
	codecs, perr := parseCodecs(t.req.Values)
	if perr != nil {
		t.fail(perr)
		return
	}
	t.codecs = codecs
	provides := make([]string, len(codecs))
	descs := make([]string, len(codecs))
	for i, c := range codecs {
		provides[i] = c.Provide
		descs[i] = c.Description
	}
	msg := gotext.GetN("The following plugin is required:", "The following plugins are required:", len(codecs)) +
		"\n" + bulletList(descs) + "\n" + gotext.Get("Do you want to search for this now?")
	t.confirmSearch(Prompt{
		Title:   titleCodecs(t.req.Caller, codecsKind(codecs), len(codecs)),
		Message: msg,
		Details: descs,
	}, "did not agree to search", func() {
		t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
			return s.WhatProvides(ctx, lookupFilter, packagekit.ProvidesCodec, provides)
		})
	})
}

func (t *Task) codecsFound(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.failWarn(newError(CodeNoPackagesFound, "failed to find codec"),
			gotext.Get("Failed to search for plugin"), t.deps.Settings.VendorURLs.Codec)
		return
	}
	t.confirmInstall(Prompt{
		Title:   gotext.GetN("Install the following plugin", "Install the following plugins", len(pkgs)),
		Message: gotext.GetN("Do you want to install this package now?", "Do you want to install these packages now?", len(pkgs)),
	}, pkgs, "did not agree to download", func() {
		t.packages = pkgs
		t.setPackageIDs(packagekit.IDs(pkgs))
		t.depCheck()
	})
}

// Fonts.

func (t *Task) startFonts() {
	tags := t.req.Values
	if !t.deps.Settings.EnableFontHelper {
		t.fail(newError(CodeForbidden, "not enabled in configuration: font helper"))
		return
	}
	if perr := validateFontTags(tags); perr != nil {
		t.fail(perr)
		return
	}
	langs := make([]string, len(tags))
	for i, tag := range tags {
		langs[i] = fontLang(tag)
	}
	msg := gotext.GetN("An additional font is required to view this document correctly.",
		"Additional fonts are required to view this document correctly.", len(tags)) +
		"\n" + bulletList(langs) + "\n" +
		gotext.GetN("Do you want to search for a suitable package now?", "Do you want to search for suitable packages now?", len(tags))
	t.confirmSearch(Prompt{
		Title:   titleFonts(t.req.Caller, len(tags)),
		Message: msg,
		Details: langs,
	}, "did not agree to search", func() {
		t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
			return s.WhatProvides(ctx, lookupFilter, packagekit.ProvidesFont, tags)
		})
	})
}

func (t *Task) fontsFound(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.failWarn(newError(CodeNoPackagesFound, "failed to find font"),
			gotext.Get("Failed to find font"), t.deps.Settings.VendorURLs.Font)
		return
	}
	t.confirmInstall(Prompt{
		Title:   gotext.GetN("Install the following font", "Install the following fonts", len(pkgs)),
		Message: gotext.GetN("Do you want to install this package now?", "Do you want to install these packages now?", len(pkgs)),
	}, pkgs, "did not agree to download", func() {
		t.packages = pkgs
		t.setPackageIDs(packagekit.IDs(pkgs))
		t.depCheck()
	})
}

// Catalogs.

type catalogRun struct {
	queries []catalogQuery
	found   []packagekit.Package
}

func (t *Task) startCatalogs() {
	paths := t.req.Values
	t.setFiles(paths)
	t.confirmSearch(Prompt{
		Title:   titleCatalogs(len(paths)),
		Details: paths,
		Action:  gotext.Get("Install"),
	}, "did not agree to install", t.loadCatalogs)
}

func (t *Task) loadCatalogs() {
	distro, err := t.deps.Backend.DistroID(t.ctx)
	if err != nil {
		t.log.Debug("distro id unavailable", "err", err)
	}
	merged := &Catalog{}
	for _, path := range t.files {
		c, err := t.readCatalog(path, distro)
		if err != nil {
			t.failWarn(newError(CodeFailed, "failed to parse catalog: %v", err),
				gotext.Get("Could not process catalog"), "")
			return
		}
		merged.Packages = appendUnique(merged.Packages, c.Packages...)
		merged.Files = appendUnique(merged.Files, c.Files...)
		merged.Provides = appendUnique(merged.Provides, c.Provides...)
	}
	if merged.Empty() {
		t.log.Info("catalogs request nothing for this distribution", "distro", distro)
		t.catalogReady(nil)
		return
	}
	t.catalog = &catalogRun{queries: merged.queries()}
	t.nextCatalogQuery()
}

func (t *Task) readCatalog(path, distro string) (*Catalog, error) {
	f, err := t.deps.Files.FS.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := ParseCatalog(f, distro)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (t *Task) nextCatalogQuery() {
	run := t.catalog
	if len(run.queries) == 0 {
		t.catalogReady(run.found)
		return
	}
	q := run.queries[0]
	run.queries = run.queries[1:]
	t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
		switch q.role {
		case packagekit.RoleResolve:
			return s.Resolve(ctx, lookupFilter, q.values)
		case packagekit.RoleSearchFile:
			return s.SearchFiles(ctx, lookupFilter, q.values)
		default:
			return s.WhatProvides(ctx, lookupFilter, packagekit.ProvidesAny, q.values)
		}
	})
}

func (t *Task) catalogStep(pkgs []packagekit.Package) {
	t.catalog.found = mergePackages(t.catalog.found, pkgs)
	t.nextCatalogQuery()
}

func (t *Task) catalogReady(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.failWarn(newError(CodeFailed, "No packages need to be installed"),
			gotext.Get("No packages need to be installed"), "")
		return
	}
	t.confirmInstall(Prompt{
		Title:   gotext.Get("Install packages in catalog?"),
		Message: gotext.Get("The following packages are marked to be installed from the catalog:"),
	}, pkgs, "Action was cancelled", func() {
		t.packages = pkgs
		t.setPackageIDs(packagekit.IDs(pkgs))
		t.depCheck()
	})
}

// Printer drivers.

func (t *Task) startPrinterDrivers() {
	// Only the first device is looked up.
	var tag string
	for _, id := range t.req.Values {
		if tg, ok := printerTag(id); ok {
			tag = tg
			break
		}
		t.log.Warn("invalid device id, missing field", "device_id", id)
	}
	if tag == "" {
		t.resolve(false)
		return
	}
	t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
		return s.WhatProvides(ctx, lookupFilter, packagekit.ProvidesPostscriptDriver, []string{tag})
	})
}

func (t *Task) printerFound(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.resolve(false)
		return
	}
	t.confirmInstall(Prompt{
		Title:   gotext.GetN("Install the following driver", "Install the following drivers", len(pkgs)),
		Message: gotext.GetN("Do you want to install this package now?", "Do you want to install these packages now?", len(pkgs)),
	}, pkgs, "did not agree to download", func() {
		t.packages = pkgs
		t.setPackageIDs(packagekit.IDs(pkgs))
		t.depCheck()
	})
}

// Removal.

func (t *Task) startRemoveByFiles() {
	files := t.req.Values
	t.setFiles(files)
	t.confirmSearch(Prompt{
		Kind:    PromptConfirmRemove,
		Title:   titleRemoveFiles(t.req.Caller, len(files)),
		Message: gotext.Get("Do you want to search for this now?"),
		Details: files,
	}, "did not agree to search", func() {
		t.issue(StateResolving, func(ctx context.Context, s packagekit.Session) error {
			return s.SearchFiles(ctx, packagekit.FilterInstalled, files)
		})
	})
}

func (t *Task) removeFound(pkgs []packagekit.Package) {
	if len(pkgs) == 0 {
		t.failWarn(newError(CodeNoPackagesFound, "no packages found for this file"),
			gotext.Get("Failed to find package"), "")
		return
	}
	remove := func() {
		t.packages = pkgs
		ids := packagekit.IDs(pkgs)
		t.setPackageIDs(ids)
		t.issue(StateInstalling, func(ctx context.Context, s packagekit.Session) error {
			s.SetOnlyTrusted(true)
			return s.RemovePackages(ctx, ids, true, false)
		})
	}
	if !t.req.Flags.Has(interaction.ConfirmInstall) {
		remove()
		return
	}
	p := Prompt{
		Kind:    PromptConfirmRemove,
		Title:   gotext.GetN("The following package will be removed:", "The following packages will be removed:", len(pkgs)),
		Message: gotext.GetN("Do you want to remove this package now?", "Do you want to remove these packages now?", len(pkgs)),
		Action:  gotext.Get("Remove"),
	}
	for _, pkg := range pkgs {
		p.Details = append(p.Details, pkg.Printable())
	}
	t.confirm(p, func(ok bool) {
		if !ok {
			t.fail(newError(CodeCancelled, "did not agree to remove"))
			return
		}
		remove()
	})
}

// failureTitle is the warning title for a failed transaction.
func (t *Task) failureTitle() string {
	switch t.req.Role {
	case RoleRemovePackageByFiles:
		return gotext.Get("Failed to remove package")
	case RoleInstallPackageFiles:
		return gotext.Get("Failed to install files")
	case RoleIsInstalled, RoleSearchFile:
		return gotext.Get("Failed to search for package")
	default:
		return gotext.GetN("Failed to install package", "Failed to install packages", max(1, len(t.packageIDs)))
	}
}

func joinPrintable(pkgs []packagekit.Package) string {
	names := make([]string, len(pkgs))
	for i, p := range pkgs {
		names[i] = p.Printable()
	}
	return strings.Join(names, ", ")
}
