// Package packagekit drives the system PackageKit daemon over D-Bus. Each
// Session owns at most one transaction at a time and reports everything the
// transaction emits as typed events on a single channel.
package packagekit

import "fmt"

// D-Bus names of the system daemon.
const (
	PkPath             = "/org/freedesktop/PackageKit"
	PkIface            = "org.freedesktop.PackageKit"
	PkIfaceTransaction = PkIface + ".Transaction"
)

// Filter is the bitfield passed to query methods.
type Filter uint64

// https://github.com/PackageKit/PackageKit/blob/main/lib/packagekit-glib2/pk-enum.c
const (
	FilterUnknown      Filter = 1 << iota // "unknown"
	FilterNone                            // "none"
	FilterInstalled                       // "installed"
	FilterNotInstalled                    // "~installed"
	FilterDevel                           // "devel"
	FilterNotDevel                        // "~devel"
	FilterGUI                             // "gui"
	FilterNotGUI                          // "~gui"
	FilterFree                            // "free"
	FilterNotFree                         // "~free"
	FilterVisible                         // "visible"
	FilterNotVisible                      // "~visible"
	FilterSupported                       // "supported"
	FilterNotSupported                    // "~supported"
	FilterBasename                        // "basename"
	FilterNotBasename                     // "~basename"
	FilterNewest                          // "newest"
	FilterNotNewest                       // "~newest"
	FilterArch                            // "arch"
	FilterNotArch                         // "~arch"
)

// TransactionFlag is the bitfield passed to modifying methods.
type TransactionFlag uint64

const (
	TransactionFlagNone           TransactionFlag = 1 << iota // "none"
	TransactionFlagOnlyTrusted                                // "only-trusted"
	TransactionFlagSimulate                                   // "simulate"
	TransactionFlagOnlyDownload                               // "only-download"
	TransactionFlagAllowReinstall                             // "allow-reinstall"
)

// Exit is the reason a transaction finished.
type Exit uint32

const (
	ExitUnknown Exit = iota
	ExitSuccess
	ExitFailed
	ExitCancelled
	ExitKeyRequired
	ExitEulaRequired
	ExitKilled
	ExitMediaChangeRequired
	ExitNeedUntrusted
	ExitCancelledPriority
	ExitSkipTransaction
	ExitRepairRequired
)

var exitNames = []string{
	"unknown", "success", "failed", "cancelled", "key-required", "eula-required",
	"killed", "media-change-required", "need-untrusted", "cancelled-priority",
	"skip-transaction", "repair-required",
}

func (e Exit) String() string {
	if int(e) < len(exitNames) {
		return exitNames[e]
	}
	return fmt.Sprintf("exit(%d)", uint32(e))
}

// Info classifies a package reported by a transaction.
type Info uint32

const (
	InfoUnknown Info = iota
	InfoInstalled
	InfoAvailable
	InfoLow
	InfoEnhancement
	InfoNormal
	InfoBugfix
	InfoImportant
	InfoSecurity
	InfoBlocked
	InfoDownloading
	InfoUpdating
	InfoInstalling
	InfoRemoving
	InfoCleanup
	InfoObsoleting
	InfoCollectionInstalled
	InfoCollectionAvailable
	InfoFinished
	InfoReinstalling
	InfoDowngrading
	InfoPreparing
	InfoDecompressing
	InfoUntrusted
	InfoTrusted
	InfoUnavailable
)

var infoNames = []string{
	"unknown", "installed", "available", "low", "enhancement", "normal", "bugfix",
	"important", "security", "blocked", "downloading", "updating", "installing",
	"removing", "cleanup", "obsoleting", "collection-installed",
	"collection-available", "finished", "reinstalling", "downgrading",
	"preparing", "decompressing", "untrusted", "trusted", "unavailable",
}

func (i Info) String() string {
	if int(i) < len(infoNames) {
		return infoNames[i]
	}
	return fmt.Sprintf("info(%d)", uint32(i))
}

// Role is the kind of work a transaction performs.
type Role uint32

const (
	RoleUnknown Role = iota
	RoleCancel
	RoleDependsOn
	RoleGetDetails
	RoleGetFiles
	RoleGetPackages
	RoleGetRepoList
	RoleRequiredBy
	RoleGetUpdateDetail
	RoleGetUpdates
	RoleInstallFiles
	RoleInstallPackages
	RoleInstallSignature
	RoleRefreshCache
	RoleRemovePackages
	RoleRepoEnable
	RoleRepoSetData
	RoleResolve
	RoleSearchDetails
	RoleSearchFile
	RoleSearchGroup
	RoleSearchName
	RoleUpdatePackages
	RoleWhatProvides
	RoleAcceptEula
)

var roleNames = []string{
	"unknown", "cancel", "depends-on", "get-details", "get-files", "get-packages",
	"get-repo-list", "required-by", "get-update-detail", "get-updates",
	"install-files", "install-packages", "install-signature", "refresh-cache",
	"remove-packages", "repo-enable", "repo-set-data", "resolve",
	"search-details", "search-file", "search-group", "search-name",
	"update-packages", "what-provides", "accept-eula",
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", uint32(r))
}

// Roles is the daemon's advertised role bitfield.
type Roles uint64

// Has reports whether the daemon supports r.
func (rs Roles) Has(r Role) bool {
	return rs&(1<<uint64(r)) != 0
}

// Status is the coarse progress state of a transaction.
type Status uint32

const (
	StatusUnknown Status = iota
	StatusWait
	StatusSetup
	StatusRunning
	StatusQuery
	StatusInfo
	StatusRemove
	StatusRefreshCache
	StatusDownload
	StatusInstall
	StatusUpdate
	StatusCleanup
	StatusObsolete
	StatusDepResolve
	StatusSigCheck
	StatusTestCommit
	StatusCommit
	StatusRequest
	StatusFinished
	StatusCancel
)

var statusNames = []string{
	"unknown", "wait", "setup", "running", "query", "info", "remove",
	"refresh-cache", "download", "install", "update", "cleanup", "obsolete",
	"dep-resolve", "sig-check", "test-commit", "commit", "request", "finished",
	"cancel",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Provides selects the namespace of a WhatProvides query.
type Provides uint32

const (
	ProvidesUnknown Provides = iota
	ProvidesAny
	ProvidesModalias
	ProvidesCodec
	ProvidesMimetype
	ProvidesFont
	ProvidesHardwareDriver
	ProvidesPostscriptDriver
	ProvidesPlasmaService
)

// SigType is the signature scheme of a repository key.
type SigType uint32

const (
	SigTypeUnknown SigType = iota
	SigTypeGPG
)

// ErrorCode is the backend error reported by the ErrorCode signal.
type ErrorCode uint32

const (
	ErrorUnknown              ErrorCode = 0
	ErrorTransactionCancelled ErrorCode = 17
	ErrorBadGPGSignature      ErrorCode = 30
	ErrorMissingGPGSignature  ErrorCode = 31
	ErrorNoLicenseAgreement   ErrorCode = 34
	ErrorNotAuthorized        ErrorCode = 48
)

var errorCodeNames = []string{
	"unknown", "out-of-memory", "no-network", "not-supported", "internal-error",
	"gpg-failure", "package-id-invalid", "package-not-installed",
	"package-not-found", "package-already-installed", "package-download-failed",
	"group-not-found", "group-list-invalid", "dep-resolution-failed",
	"filter-invalid", "create-thread-failed", "transaction-error",
	"transaction-cancelled", "no-cache", "repo-not-found",
	"cannot-remove-system-package", "process-kill", "failed-initialization",
	"failed-finalise", "failed-config-parsing", "cannot-cancel",
	"cannot-get-lock", "no-packages-to-update", "cannot-write-repo-config",
	"local-install-failed", "bad-gpg-signature", "missing-gpg-signature",
	"cannot-install-source-package", "repo-configuration-error",
	"no-license-agreement", "file-conflicts", "package-conflicts",
	"repo-not-available", "invalid-package-file", "package-install-blocked",
	"package-corrupt", "all-packages-already-installed", "file-not-found",
	"no-more-mirrors-to-try", "no-distro-upgrade-data",
	"incompatible-architecture", "no-space-on-device", "media-change-required",
	"not-authorized", "update-not-found", "cannot-install-repo-unsigned",
	"cannot-update-repo-unsigned",
}

func (c ErrorCode) String() string {
	if int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("error(%d)", uint32(c))
}

// IsSignatureError reports whether c means the package failed GPG checks.
func (c ErrorCode) IsSignatureError() bool {
	return c == ErrorBadGPGSignature || c == ErrorMissingGPGSignature
}

// transactionMethod returns the fully qualified name of a transaction member.
func transactionMethod(name string) string {
	return PkIfaceTransaction + "." + name
}
