// Package daemon serves the session Query and Modify interfaces. Every call
// becomes a task; the call blocks until the task replies.
package daemon

import (
	"context"

	"github.com/godbus/dbus/v5"

	pkdbus "github.com/nikicat/session-installer/internal/dbus"
	"github.com/nikicat/session-installer/internal/task"
)

// Resource types accepted by InstallResources.
var resourceRoles = map[string]task.Role{
	"codec":             task.RoleInstallGstreamerResources,
	"mimetype":          task.RoleInstallMimeTypes,
	"font":              task.RoleInstallFontconfigResources,
	"postscript-driver": task.RoleInstallPrinterDrivers,
}

func senderOf(msg dbus.Message) string {
	if v, ok := msg.Headers[dbus.FieldSender]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// Observers fans task events out to several observers.
type Observers []task.Observer

// OnTaskEvent implements task.Observer.
func (o Observers) OnTaskEvent(e task.Event) {
	for _, obs := range o {
		if obs != nil {
			obs.OnTaskEvent(e)
		}
	}
}

// Query is exported as org.freedesktop.PackageKit.Query.
type Query struct {
	reg *Registry
}

// IsInstalled reports whether a package with that name is installed.
func (q *Query) IsInstalled(msg dbus.Message, name, interaction string) (bool, *dbus.Error) {
	values, err := q.reg.HandleRequest(context.Background(), Call{
		Method:      "IsInstalled",
		Role:        task.RoleIsInstalled,
		Sender:      senderOf(msg),
		Values:      []string{name},
		Interaction: interaction,
	})
	if err != nil {
		return false, err.DBusError()
	}
	return replyBool(values), nil
}

// SearchFile finds the package that ships file.
func (q *Query) SearchFile(msg dbus.Message, file, interaction string) (bool, string, *dbus.Error) {
	values, err := q.reg.HandleRequest(context.Background(), Call{
		Method:      "SearchFile",
		Role:        task.RoleSearchFile,
		Sender:      senderOf(msg),
		Values:      []string{file},
		Interaction: interaction,
	})
	if err != nil {
		return false, "", err.DBusError()
	}
	var name string
	if len(values) > 1 {
		name, _ = values[1].(string)
	}
	return replyBool(values), name, nil
}

func replyBool(values []any) bool {
	if len(values) == 0 {
		return false
	}
	b, _ := values[0].(bool)
	return b
}

// Modify is exported as org.freedesktop.PackageKit.Modify.
type Modify struct {
	reg *Registry
}

func (m *Modify) run(msg dbus.Message, method string, role task.Role, xid uint32, values []string, interaction string) (bool, *dbus.Error) {
	reply, err := m.reg.HandleRequest(context.Background(), Call{
		Method:      method,
		Role:        role,
		Sender:      senderOf(msg),
		XID:         xid,
		Values:      values,
		Interaction: interaction,
	})
	if err != nil {
		return false, err.DBusError()
	}
	return replyBool(reply), nil
}

// InstallPackageFiles installs local package files.
func (m *Modify) InstallPackageFiles(msg dbus.Message, xid uint32, files []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "InstallPackageFiles", task.RoleInstallPackageFiles, xid, files, interaction)
}

// InstallProvideFiles installs the package that provides files.
func (m *Modify) InstallProvideFiles(msg dbus.Message, xid uint32, files []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "InstallProvideFiles", task.RoleInstallProvideFiles, xid, files, interaction)
}

// InstallPackageNames installs packages by name.
func (m *Modify) InstallPackageNames(msg dbus.Message, xid uint32, packages []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "InstallPackageNames", task.RoleInstallPackageNames, xid, packages, interaction)
}

// InstallMimeTypes installs an application that opens mime types.
func (m *Modify) InstallMimeTypes(msg dbus.Message, xid uint32, mimeTypes []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "InstallMimeTypes", task.RoleInstallMimeTypes, xid, mimeTypes, interaction)
}

// InstallFontconfigResources installs fonts for fontconfig language tags.
func (m *Modify) InstallFontconfigResources(msg dbus.Message, xid uint32, fonts []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "InstallFontconfigResources", task.RoleInstallFontconfigResources, xid, fonts, interaction)
}

// InstallGstreamerResources installs GStreamer codecs.
func (m *Modify) InstallGstreamerResources(msg dbus.Message, xid uint32, codecs []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "InstallGstreamerResources", task.RoleInstallGstreamerResources, xid, codecs, interaction)
}

// InstallCatalogs installs the packages listed in catalog files.
func (m *Modify) InstallCatalogs(msg dbus.Message, xid uint32, files []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "InstallCatalogs", task.RoleInstallCatalogs, xid, files, interaction)
}

// InstallPrinterDrivers installs drivers for IEEE-1284 device IDs.
func (m *Modify) InstallPrinterDrivers(msg dbus.Message, xid uint32, deviceIDs []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "InstallPrinterDrivers", task.RoleInstallPrinterDrivers, xid, deviceIDs, interaction)
}

// InstallResources dispatches on the resource type.
func (m *Modify) InstallResources(msg dbus.Message, xid uint32, kind string, resources []string, interaction string) (bool, *dbus.Error) {
	role, ok := resourceRoles[kind]
	if !ok {
		return false, pkdbus.ErrForbidden("resource type not supported: " + kind)
	}
	return m.run(msg, role.String(), role, xid, resources, interaction)
}

// RemovePackageByFiles removes the packages that own files.
func (m *Modify) RemovePackageByFiles(msg dbus.Message, xid uint32, files []string, interaction string) (bool, *dbus.Error) {
	return m.run(msg, "RemovePackageByFiles", task.RoleRemovePackageByFiles, xid, files, interaction)
}
