// Package features implements a feature flagging mechanism for the sandbox.
//
// Features control properties of the code which can only be switched globally, usually to exercise a
// fallback path on a host which supports the fast one.
package features

import (
	"os"
	"strings"
	"sync"
)

const (
	// EnvVarName is the name of the environment variable which contains the
	// list of feature flags.
	EnvVarName = "SANDBOXFEATURES"

	// NoCOW disables copy-on-write memory images: images are copied into slots instead.
	NoCOW = "nocow"
	// NoDiscard disables page discarding when a slot is cleared: memory is zeroed in place instead.
	NoDiscard = "nodiscard"
)

var (
	lock sync.RWMutex
	list []string
)

func init() {
	EnableFromEnvironment()
}

// EnableFromEnvironment extracts the list of features enabled from the
// SANDBOXFEATURES environment variable.
func EnableFromEnvironment() {
	features := os.Getenv(EnvVarName)
	Enable(strings.Split(features, ",")...)
}

// Enable the list of features passed as arguments.
//
// The function is idempotent and atomic, features that are already present are
// skipped.
//
// Unrecognized features are ignored.
func Enable(features ...string) {
	lock.Lock()
	defer lock.Unlock()

	enabled := list

	for _, f := range features {
		if f = strings.TrimSpace(f); supported(f) && !have(enabled, f) {
			enabled = append(enabled, f)
		}
	}

	list = enabled
}

// Disable removes the features passed as arguments. Tests use it to restore the state they changed.
func Disable(features ...string) {
	lock.Lock()
	defer lock.Unlock()

	enabled := make([]string, 0, len(list))
	for _, f := range list {
		if !have(features, f) {
			enabled = append(enabled, f)
		}
	}

	list = enabled
}

// List returns the current list of features enabled.
//
// The program must treat the returned slice as read-only.
func List() []string {
	lock.RLock()
	defer lock.RUnlock()
	return list
}

// Have returns true if the given feature is enabled.
func Have(feature string) bool {
	lock.RLock()
	features := list
	lock.RUnlock()
	return have(features, feature)
}

func have(list []string, feature string) bool {
	for _, f := range list {
		if f == feature {
			return true
		}
	}
	return false
}

func supported(feature string) bool {
	switch feature {
	case NoCOW, NoDiscard:
		return true
	default:
		return false
	}
}
