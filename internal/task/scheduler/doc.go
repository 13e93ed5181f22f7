// Package scheduler decides when tenants are polled.
//
// It is trigger-only: a cron tick lists the active tenants, selects the due
// ones and enqueues one poll task per tenant into the task engine, which owns
// execution, per-tenant exclusivity and per-jurisdiction concurrency.
package scheduler
