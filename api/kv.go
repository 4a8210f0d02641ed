package api

// KVPair is a single entry returned by GET /v1/kv/<key>.
type KVPair struct {
	// Key is the full path of the entry without a leading slash.
	Key string `json:"Key"`
	// CreateIndex is the Raft index at which the entry was created.
	CreateIndex uint64 `json:"CreateIndex"`
	// ModifyIndex is the Raft index of the last write; it doubles as the CAS token.
	ModifyIndex uint64 `json:"ModifyIndex"`
	// LockIndex counts how many times the entry has been acquired by a session.
	LockIndex uint64 `json:"LockIndex"`
	// Flags is an opaque 64-bit value clients use to tag entries.
	Flags uint64 `json:"Flags"`
	// Value is the raw payload. The server encodes it as base64 on the wire.
	Value []byte `json:"Value"`
	// Session is the ID of the session holding the entry, if any.
	Session string `json:"Session,omitempty"`
}

// KVPairs is a list of KVPair returned by recursive reads.
type KVPairs []*KVPair

// KVOp names a KV verb inside a transaction.
type KVOp string

// KV transaction verbs understood by PUT /v1/txn.
const (
	KVSet            KVOp = "set"
	KVDelete         KVOp = "delete"
	KVDeleteCAS      KVOp = "delete-cas"
	KVDeleteTree     KVOp = "delete-tree"
	KVCAS            KVOp = "cas"
	KVLock           KVOp = "lock"
	KVUnlock         KVOp = "unlock"
	KVGet            KVOp = "get"
	KVGetTree        KVOp = "get-tree"
	KVCheckSession   KVOp = "check-session"
	KVCheckIndex     KVOp = "check-index"
	KVCheckNotExists KVOp = "check-not-exists"
)

// KVTxnOp is a single KV operation inside a transaction.
type KVTxnOp struct {
	// Verb selects the operation.
	Verb KVOp `json:"Verb"`
	// Key is the target key.
	Key string `json:"Key"`
	// Value is the payload for set, cas and lock.
	Value []byte `json:"Value,omitempty"`
	// Flags is stored alongside the value.
	Flags uint64 `json:"Flags,omitempty"`
	// Index is the ModifyIndex the cas/delete-cas/check-index verbs compare against.
	Index uint64 `json:"Index,omitempty"`
	// Session is the session used by lock, unlock and check-session.
	Session string `json:"Session,omitempty"`
}

// TxnOp wraps one operation in the body of PUT /v1/txn.
type TxnOp struct {
	// KV carries a key/value operation.
	KV *KVTxnOp `json:"KV,omitempty"`
}

// TxnOps is the request body of PUT /v1/txn.
type TxnOps []*TxnOp

// TxnResult is one entry in the Results of a transaction.
type TxnResult struct {
	// KV holds the pair produced by the matching KV operation.
	KV *KVPair `json:"KV,omitempty"`
}

// TxnResults lists per-operation results in request order.
type TxnResults []*TxnResult

// TxnError reports why one operation in a rolled-back transaction failed.
type TxnError struct {
	// OpIndex is the zero-based position of the failing operation.
	OpIndex int `json:"OpIndex"`
	// What is the server's explanation.
	What string `json:"What"`
}

// TxnErrors lists the failures of a rolled-back transaction.
type TxnErrors []*TxnError

// TxnResponse is returned by PUT /v1/txn for both committed (200) and
// rolled-back (409) transactions.
type TxnResponse struct {
	// Results is populated when the transaction committed.
	Results TxnResults `json:"Results"`
	// Errors is populated when the transaction rolled back.
	Errors TxnErrors `json:"Errors"`
}
