package models

import "time"

// AuditEntry is one link in a tenant's tamper-evident chain. Hash covers the
// serialized payload concatenated with the previous entry's hash, so mutating
// any entry invalidates every successor.
type AuditEntry struct {
	TenantID   string        `json:"tenant_id"`
	Seq        int64         `json:"seq"`
	Envelope   EventEnvelope `json:"envelope"`
	Payload    []byte        `json:"payload"`
	PrevHash   string        `json:"prev_hash"`
	Hash       string        `json:"hash"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// AuditVerifyResult reports the outcome of re-computing a tenant chain.
type AuditVerifyResult struct {
	TenantID string `json:"tenant_id"`
	Entries  int64  `json:"entries"`
	Valid    bool   `json:"valid"`
	// FirstBadSeq is the sequence number of the first entry whose stored
	// hash does not match the recomputation. Zero when the chain is valid.
	FirstBadSeq int64  `json:"first_bad_seq,omitempty"`
	Detail      string `json:"detail,omitempty"`
}
