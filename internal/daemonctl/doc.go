// Package daemonctl talks to a running mcps daemon and starts one when
// needed.
//
// Client wraps the control protocol over HTTP. EnsureDaemon probes the
// control port, launches a detached `mcps daemon run` when nothing answers,
// and waits until bulk initialization finishes. StopAndWait and Restart
// orchestrate shutdowns, escalating to SIGKILL via the pid file when a daemon
// ignores the stop request.
package daemonctl
