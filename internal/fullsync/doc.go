// Package fullsync reconciles whole tables with the server through the
// paginated session protocol: start, one batch request per page, finish.
//
// # Strategies
//
// A table with no local divergence (no pending change-log entries and no
// historical rows) is replaced atomically. Pages are streamed into a
// shadow table under the remote-apply guard and the shadow is swapped in
// with one transaction. If local changes appear while the shadow is being
// filled, the swap refuses and the table falls back to merging.
//
// A table with local divergence is merged page by page. Each page's local
// rows and their pending status are fetched in one query each; rows without
// pending changes take the server copy and rows with pending changes are
// settled by the conflict resolver.
//
// # Historical rows
//
// After either strategy, rows that never appeared in the change log (for
// example rows imported before sync was enabled) are uploaded once as
// INSERTs and a synced change-log entry is back-filled for each of them.
//
// # Retries and deduplication
//
// Every page request is retried with backoff before the session is
// aborted. Page checksums are remembered for the session; a page whose
// checksum was already applied is skipped. The finish request is always
// attempted, even after a failure or cancellation.
//
// Example:
//
//	mgr := fullsync.New(engine, client, fullsync.DefaultConfig(),
//		fullsync.WithObserver(func(p fullsync.Progress) {
//			log.Printf("%s page %d/%d", p.Table, p.Page, p.TotalPages)
//		}))
//	results, err := mgr.SyncAll(ctx)
package fullsync
