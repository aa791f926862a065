package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Poll is the on-chain vote window attached to a withdrawal proposal.
// It is unset (nil) before the operation exists on chain and cleared
// again once the poll is finalized.
type Poll struct {
	Start      uint64 `json:"start" bson:"start"`
	End        uint64 `json:"end" bson:"end"`
	Yes        int64  `json:"yes" bson:"yes"`
	No         int64  `json:"no" bson:"no"`
	TotalVoted int64  `json:"total_voted" bson:"total_voted"`
}

// LedgerRecord tracks one requested state-changing operation from local
// proposal through on-chain confirmation.
type LedgerRecord struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Network     string             `json:"network" bson:"network"`
	PoolAddress string             `json:"pool_address" bson:"pool_address"`
	Beneficiary string             `json:"beneficiary" bson:"beneficiary"`
	Amount      string             `json:"amount" bson:"amount"` // smallest unit, decimal string
	Operation   string             `json:"operation" bson:"operation"`
	State       string             `json:"state" bson:"state"`
	Approved    bool               `json:"approved" bson:"approved"`
	Poll        *Poll              `json:"poll,omitempty" bson:"poll,omitempty"`

	// OperationID is assigned by the pool contract and observed by the
	// indexer. Once set it never changes.
	OperationID *uint64 `json:"operation_id,omitempty" bson:"operation_id,omitempty"`

	// FailReason holds the latest submission error, empty on success.
	FailReason string `json:"fail_reason" bson:"fail_reason"`

	// Quarantined marks records whose computed fee exceeded the hard
	// ceiling. They are excluded from scheduling until an operator
	// requeues them.
	Quarantined bool  `json:"quarantined" bson:"quarantined"`
	Attempts    int64 `json:"attempts" bson:"attempts"`

	// TxID references the most recent local transaction record.
	TxID primitive.ObjectID `json:"tx_id,omitempty" bson:"tx_id,omitempty"`

	// LastAppliedLog is the cursor of the newest on-chain log applied to
	// this record, packed block number and log index. Guards vote and
	// finalize transitions against redelivered logs.
	LastAppliedLog uint64 `json:"last_applied_log" bson:"last_applied_log"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}
