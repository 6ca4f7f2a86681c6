// Package dispatch is the core of the bulk-message dispatcher: the job
// state machine, the per-recipient send loop, and the continuation sweeper.
//
// Execution model
//
// There is no long-lived worker. A pass over a job (Processor) is started
// either right after creation or by a periodic continuation tick (Sweeper),
// and may be killed at any point. Every pass trusts only the persisted
// snapshot and counters, so a fresh pass picks up exactly where the last one
// stopped. A store lease keeps two passes from walking the same job at once;
// a crashed pass is recovered by lease expiry.
//
// Status transitions
//
//	pending  -> running            activation (creation or sweeper tick)
//	running  -> paused             command
//	pending  -> paused             command
//	paused   -> running            command (resume)
//	pending|running|paused -> cancelled   command, terminal
//	running  -> completed          processor/sweeper when drained, terminal
package dispatch
