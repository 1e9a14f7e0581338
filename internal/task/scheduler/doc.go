// Package scheduler hosts named recurring jobs on robfig/cron.
//
// Each job runs with its own timeout and panic recovery. A trigger that
// arrives while the previous run of the same job is still executing is
// skipped, so a slow reminder tick never stacks up behind itself.
package scheduler
