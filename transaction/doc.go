// Package transaction defines the money-movement domain model: the
// Transaction record, its status state machine, the wire envelopes carried by
// the event channel, and the terminal failure reasons.
package transaction
