// Package daemon runs the background side of replica.
//
// A Daemon owns four loops that share a single SyncState, so at most one
// sync of any kind runs at a time:
//
//   - Poller: incremental upload-then-download cycles on an adaptive
//     interval. Cycles that find changes shrink the interval, quiet cycles
//     grow it, and generic failures back off exponentially. Network
//     failures leave the interval alone.
//   - FullSyncTimer: scheduled full syncs. The poller is held while one
//     runs.
//   - TriggerQueue: debounced uploads of tables written locally, fed by the
//     store's Notifier hook.
//   - CredentialWatcher: fsnotify watches on the token and key files. A new
//     token resumes a daemon paused by an authentication failure.
//
// Authentication failures from any loop pause all of them until the
// credentials change or Poller.Resume is called.
//
// Example:
//
//	d, err := daemon.New(engine, fullSync, client, daemon.DefaultConfig(),
//	    daemon.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	return d.Run(ctx)
package daemon
