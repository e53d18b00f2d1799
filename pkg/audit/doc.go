// Package audit records who changed billing state and how.
//
// Every mutating or administrative API call (manual billing runs, hold clears,
// invoice settlement, subscription changes) produces an Event. Events are written
// to Postgres by DBLogger and mirrored to the structured application log by
// LogLogger; MultiLogger fans one event out to both. AsyncLogger moves the
// database write off the request path and Flush drains it on shutdown.
//
//	event := audit.NewEvent(r, audit.EventTypeHoldClear, audit.ResourceTypeAccount, accountID)
//	event.Message = "account hold cleared"
//	_ = logger.Log(ctx, event)
//
// Audit writes never fail the request that triggered them; callers log and move on.
package audit
