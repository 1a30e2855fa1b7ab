// Package preflight checks that the host can run an index for a workspace:
// the data directory is writable with room to grow, and the process may
// open and watch enough files.
//
//	results := preflight.New().RunAll(dataDir, root)
//	if preflight.HasCriticalFailures(results) {
//	    // refuse to start
//	}
package preflight
