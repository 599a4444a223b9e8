package client

import (
	"encoding/json"
	"fmt"
)

// Version is a four-part package version as reported by the device.
type Version struct {
	Major    int `json:"Major"`
	Minor    int `json:"Minor"`
	Build    int `json:"Build"`
	Revision int `json:"Revision"`
}

// Compare returns -1, 0 or 1 when v is older, equal or newer than o.
func (v Version) Compare(o Version) int {
	a := [4]int{v.Major, v.Minor, v.Build, v.Revision}
	b := [4]int{o.Major, o.Minor, o.Build, o.Revision}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// ParseVersion parses "major.minor.build.revision". Missing trailing parts are zero.
func ParseVersion(s string) (Version, error) {
	var parts [4]int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &parts[0], &parts[1], &parts[2], &parts[3])
	if n == 0 {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return Version{Major: parts[0], Minor: parts[1], Build: parts[2], Revision: parts[3]}, nil
}

// Package is one installed application record.
// Raw keeps every field of the record so callers can match on arbitrary keys.
type Package struct {
	Name         string  `json:"Name"`
	FullName     string  `json:"PackageFullName"`
	FamilyName   string  `json:"PackageFamilyName"`
	RelativeID   string  `json:"PackageRelativeId"`
	Publisher    string  `json:"Publisher"`
	Version      Version `json:"Version"`
	CanUninstall bool    `json:"CanUninstall"`
	IsInstalled  bool    `json:"-"`

	Raw map[string]json.RawMessage `json:"-"`
}

// Field returns the string form of the raw field key, and whether it exists.
func (p Package) Field(key string) (string, bool) {
	raw, ok := p.Raw[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}

// Process is one entry of a running-process snapshot.
type Process struct {
	ImageName       string `json:"ImageName"`
	PackageFullName string `json:"PackageFullName"`
	ProcessID       uint32 `json:"ProcessId"`
	IsRunning       bool   `json:"IsRunning"`
}

// ProcessSnapshot is the body of the process listing and of every process stream push.
type ProcessSnapshot struct {
	Processes []Process `json:"Processes"`
}

// Find returns the first process belonging to the given package full name.
func (s ProcessSnapshot) Find(packageFullName string) (Process, bool) {
	for _, p := range s.Processes {
		if p.PackageFullName == packageFullName {
			return p, true
		}
	}
	return Process{}, false
}

// Provider is a registered trace provider.
type Provider struct {
	GUID string `json:"GUID"`
	Name string `json:"Name"`
}

// InstallState is the outcome of the last package installation.
type InstallState struct {
	Code     int    `json:"Code"`
	CodeText string `json:"CodeText"`
	Reason   string `json:"Reason"`
	Success  bool   `json:"Success"`
}

// InstallRequest describes a package upload.
type InstallRequest struct {
	Package      string   // main package file path
	Dependencies []string // dependency package file paths
	Certificate  string   // optional certificate file path
	// Progress, if set, is called as file content is streamed to the device.
	Progress func(read, total int64)
}

// ErrorResponse represents a device error body.
type ErrorResponse struct {
	Code    int    `json:"Code"`
	Reason  string `json:"Reason"`
	Success bool   `json:"Success"`
}

type installedPackages struct {
	InstalledPackages []json.RawMessage `json:"InstalledPackages"`
}

type providerList struct {
	Providers []Provider `json:"Providers"`
}
