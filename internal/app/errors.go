package app

import (
	"errors"
	"fmt"

	"github.com/loykin/portalctl/pkg/client"
)

var (
	// ErrNotInstalled is returned when no installed package matches a lookup.
	ErrNotInstalled = errors.New("package is not installed")
	// ErrNotUninstallable is returned for packages the device refuses to remove.
	ErrNotUninstallable = errors.New("package cannot be uninstalled")
	// ErrTimeout is returned when the device does not reach the expected state in time.
	ErrTimeout = errors.New("timed out waiting for device")
	// ErrVersionMismatch is returned when the installed version differs from the
	// requested one after a deploy.
	ErrVersionMismatch = errors.New("installed version does not match requested version")
)

// AmbiguousLookupError reports more than one installed package matching a key/value pair.
type AmbiguousLookupError struct {
	Key   string
	Value string
	Count int
}

func (e *AmbiguousLookupError) Error() string {
	return fmt.Sprintf("%d installed packages match %s=%q", e.Count, e.Key, e.Value)
}

// VersionConflictError reports an installed version equal to or newer than the
// one being deployed.
type VersionConflictError struct {
	Installed client.Version
	Requested client.Version
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version %s is already installed, refusing to deploy %s (use force to uninstall first)", e.Installed, e.Requested)
}

// InstallError is a terminal installation state that did not succeed.
type InstallError struct {
	Code     int
	CodeText string
	Reason   string
}

func (e *InstallError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("install failed with %s (%d): %s", e.CodeText, e.Code, e.Reason)
	}
	return fmt.Sprintf("install failed with %s (%d)", e.CodeText, e.Code)
}

// Reason returns the remote reason text carried by err, if any.
func Reason(err error) string {
	var ie *InstallError
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return client.Reason(err)
}
