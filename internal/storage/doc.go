// Package storage is the sqlite-backed reminder store.
//
// It holds users, routines with their per-user steps and daily task
// records, custom reminders, medications and dose logs, wellness settings,
// chores, bills, expenses, focus sessions, the points ledger and
// per-user conversation state. All access goes through *DB methods; each
// mutation is a single statement or a short read-then-write on one
// connection.
package storage
