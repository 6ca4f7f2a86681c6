// Package store is the durable record of dispatch jobs.
//
// A job row carries the progress counters and status the rest of the system
// trusts across process restarts. Alongside it live the immutable recipient
// snapshot taken at job creation, the append-only per-recipient error log,
// and the segment membership tables the audience resolver reads.
//
// Two drivers exist: "sqlite" for real deployments and "memory" for tests
// and storage-less development runs. Both enforce the same rules:
//   - counters only move forward, and only while the job is not terminal
//   - a snapshot row is marked sent/failed at most once
//   - status changes go through compare-and-set
package store
