// Package proctrack discovers and force-terminates processes spawned while
// connecting to process-backed servers.
//
// Launchers such as npx or uvx fork the real server as a grandchild, so the
// handle returned by the protocol client is not enough to clean up. The
// tracker keeps a running snapshot of the daemon's descendants and diffs it
// after each connect; a Matcher filters the new processes down to the ones
// that plausibly belong to the server being connected, so concurrent connects
// do not claim each other's children.
package proctrack
