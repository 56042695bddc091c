package testutil

import (
	"path/filepath"
	"runtime"
)

// ProjectRoot returns the absolute path to the project root.
func ProjectRoot() string {
	_, thisFile, _, _ := runtime.Caller(0)
	dir := filepath.Dir(thisFile)
	return filepath.Join(dir, "..", "..")
}

// ScenarioDir returns the directory of a bundled scenario under scenarios/.
func ScenarioDir(name string) string {
	return filepath.Join(ProjectRoot(), "scenarios", name)
}
