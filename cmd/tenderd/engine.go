//go:build !portal

package main

import "tenderd/internal/engine"

// newEngine returns the engine binding for this build. The portal engine
// ships as a build overlay under the "portal" tag; the default build runs
// with the unbound engine and reports not-ready.
func newEngine() engine.Engine {
	return engine.Unbound{}
}
