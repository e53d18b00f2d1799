// Package async runs fire-and-forget background work with panic recovery and
// per-task timeouts.
//
// SafeGo starts a single task:
//
//	async.SafeGo(r.Context(), logger, 5*time.Second, "audit write", func(ctx context.Context) error {
//		return store.Log(ctx, event)
//	})
//
// Tasks does the same but tracks in-flight work so it can be drained on shutdown:
//
//	tasks := async.NewTasks(logger, 5*time.Second)
//	tasks.Go(ctx, "audit write", fn)
//	defer tasks.Wait(shutdownCtx)
//
// The task context keeps the values of the caller's context (request ID, trace
// span) but is not cancelled when the caller's context is, so work started from an
// HTTP handler outlives the request.
package async
