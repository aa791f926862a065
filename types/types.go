package types

// RecordState represents the lifecycle state of a ledger record
type RecordState string

const (
	// Pending - operation requested locally, not yet created on chain
	Pending RecordState = "PENDING"

	// Submitted - broadcast accepted, awaiting the on-chain event that
	// confirms the operation. Out of the scheduler's eligible set; the
	// crash-recovery sweep returns it to Pending if the broadcast turns
	// out stale.
	Submitted RecordState = "SUBMITTED"

	// Active - operation exists on chain, poll is open or awaiting finalization
	Active RecordState = "ACTIVE"

	// Completed - terminal state for claim operations, which emit no
	// tracked event and finish on broadcast acceptance
	Completed RecordState = "COMPLETED"

	// Withdrawn - funds left the pool, terminal state
	Withdrawn RecordState = "WITHDRAWN"
)

// OperationType represents the kind of state-changing call a ledger record requests
type OperationType string

const (
	ProposeWithdraw OperationType = "PROPOSE_WITHDRAW"
	ClaimReward     OperationType = "CLAIM_REWARD"
	ClaimRewardFor  OperationType = "CLAIM_REWARD_FOR"
)

// TxState represents the lifecycle state of a local transaction record
type TxState string

const (
	// TxPending - record persisted, broadcast not yet accepted
	TxPending TxState = "PENDING"

	// TxMined - broadcast accepted by the node, hash recorded
	TxMined TxState = "MINED"

	// TxFailed - broadcast rejected or timed out
	TxFailed TxState = "FAILED"
)

// GasCapExceeded is the failReason sentinel written when submission is
// deferred by the gas admission controller. Records carrying it stay
// eligible so they retry automatically once the fee drops under the cap.
const GasCapExceeded = "GAS_CAP_EXCEEDED"
