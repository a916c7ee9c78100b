// Package daemon runs the contact sync engine as a long-lived process.
//
// # Architecture
//
// The daemon consists of three components:
//
//   - FileWatcher: fsnotify monitoring of every book's master directory and
//     every account directory, filtered to visible *.vcf files. The watched
//     set is refreshed on each timer tick as books and accounts come and go.
//   - Debouncer: a small state machine (idle, pending, flushing) that
//     coalesces file events. Each event restarts the quiet window; when it
//     expires the whole batch triggers exactly one inbound pass.
//   - Daemon: owns the startup sequence and the two loops.
//
// # Lifecycle
//
//	d, err := daemon.New(daemon.Deps{
//	    Syncer:      orchestrator,
//	    Dirs:        engine,
//	    Provisioner: engine,
//	    Health:      tracker,
//	}, &daemon.Config{Interval: 30 * time.Second, Debounce: 2 * time.Second, Watch: true})
//	if err != nil {
//	    return err
//	}
//	return d.Run(ctx) // blocks until ctx is cancelled
//
// Startup runs account provisioning, an inbound pass and an outbound pass in
// that order. Every tick then runs provisioning, an outbound pass and a watch
// refresh. A deleted file is handed to Syncer.RemoveFile as soon as the event
// arrives so the deletion is not hidden by the later full scan.
//
// Pass failures are logged and retried on the next tick or event; the
// daemon only stops when its context is cancelled.
package daemon
