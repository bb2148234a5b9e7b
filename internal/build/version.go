package build

import "fmt"

// Commit is the commit hash the binary was built from. Set by the
// linker during release builds.
var Commit string

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// Version returns the application version as a semantic version
// string.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}
