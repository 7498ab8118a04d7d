// Package pool keeps one long-lived protocol session per configured backend.
//
// A Pool owns the session registry. Sessions are created lazily by
// GetOrCreate (serialized per name) or eagerly by InitializeAll, and are
// destroyed by Close, CloseAll, or a restart. Closing a process-backed
// session force-kills every process the tracker attributed to it before the
// transport is closed in the background, so a hung backend cannot block
// shutdown.
//
// Every close advances a generation for the affected names. A connect that
// finishes after its name was closed does not register; its session is
// closed and the caller follows the newer connect, or fails once Shutdown
// has been called.
package pool
