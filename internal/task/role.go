package task

import "encoding/json"

// Role is the request a caller made. It never changes for a task.
type Role int

const (
	RoleUnknown Role = iota
	RoleIsInstalled
	RoleSearchFile
	RoleInstallPackageFiles
	RoleInstallProvideFiles
	RoleInstallMimeTypes
	RoleInstallGstreamerResources
	RoleInstallFontconfigResources
	RoleInstallPackageNames
	RoleInstallCatalogs
	RoleInstallPrinterDrivers
	RoleRemovePackageByFiles
)

var roleNames = map[Role]string{
	RoleUnknown:                    "Unknown",
	RoleIsInstalled:                "IsInstalled",
	RoleSearchFile:                 "SearchFile",
	RoleInstallPackageFiles:        "InstallPackageFiles",
	RoleInstallProvideFiles:        "InstallProvideFiles",
	RoleInstallMimeTypes:           "InstallMimeTypes",
	RoleInstallGstreamerResources:  "InstallGstreamerResources",
	RoleInstallFontconfigResources: "InstallFontconfigResources",
	RoleInstallPackageNames:        "InstallPackageNames",
	RoleInstallCatalogs:            "InstallCatalogs",
	RoleInstallPrinterDrivers:      "InstallPrinterDrivers",
	RoleRemovePackageByFiles:       "RemovePackageByFiles",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "Unknown"
}

// ParseRole maps a method name back to its role.
func ParseRole(s string) Role {
	for r, name := range roleNames {
		if name == s {
			return r
		}
	}
	return RoleUnknown
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*r = ParseRole(s)
	return nil
}
