// Package lead holds the lead domain model and its audit ledger.
//
// A lead is a captured request the router could not match, queued for
// distribution to business recipients. Lead records only ever move forward
// through their status lifecycle and are never deleted; broadcast attempts
// are an append-only audit trail, one row per recipient per batch, written
// inside a single transactional scope so an aborted batch leaves no SENT
// rows behind.
package lead
