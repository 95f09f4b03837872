// Package process supervises the model subprocesses, one per session.
//
// A ManagedProcess owns its child: a single reader goroutine scans stdout
// into a bounded channel, stdin has one serialised writer, and stderr is
// forwarded to the logger. The Supervisor binds processes to session ids,
// reuses them across turns, respawns them after a crash unless the session
// is crash looping, and reaps every child on Shutdown.
//
// On unix the child runs in its own process group so that termination
// reaches the tools it started as well.
package process
