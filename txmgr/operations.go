package txmgr

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/poolvote-network/pool-relay-api/contracts"
	"github.com/poolvote-network/pool-relay-api/database/models"
	"github.com/poolvote-network/pool-relay-api/types"
)

// SubmitOperation encodes the pool call a ledger record requests, builds and
// signs the transaction, and broadcasts it. Returns the id of the local
// transaction record that audited the attempt.
func (m *Manager) SubmitOperation(ctx context.Context, record models.LedgerRecord) (primitive.ObjectID, error) {
	encoder, err := contracts.NewEncoder()
	if err != nil {
		return primitive.NilObjectID, err
	}

	beneficiary := common.HexToAddress(record.Beneficiary)

	var callData []byte
	switch types.OperationType(record.Operation) {
	case types.ProposeWithdraw:
		amount, ok := new(big.Int).SetString(record.Amount, 10)
		if !ok {
			return primitive.NilObjectID, fmt.Errorf("invalid amount %q on ledger record %s", record.Amount, record.ID.Hex())
		}
		callData, err = encoder.ProposeWithdraw(beneficiary, amount)
	case types.ClaimReward:
		callData, err = encoder.ClaimReward()
	case types.ClaimRewardFor:
		callData, err = encoder.ClaimRewardFor(beneficiary)
	default:
		return primitive.NilObjectID, fmt.Errorf("unknown operation type %q", record.Operation)
	}
	if err != nil {
		return primitive.NilObjectID, err
	}

	envelope, err := m.BuildSignedTx(ctx, common.HexToAddress(record.PoolAddress), callData)
	if err != nil {
		return primitive.NilObjectID, err
	}

	return m.Submit(ctx, envelope)
}
