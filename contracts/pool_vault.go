// Package contracts carries the PoolVault ABI, the call-data encoders used
// by the transaction manager and the typed event decoders used by the
// indexer.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// PoolVault ABI (relay-relevant functions and events only)
const PoolVaultABI = `[
	{
		"inputs": [
			{"name": "beneficiary", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "proposeWithdraw",
		"outputs": [{"name": "operationId", "type": "uint256"}],
		"type": "function"
	},
	{
		"inputs": [],
		"name": "claimReward",
		"outputs": [],
		"type": "function"
	},
	{
		"inputs": [{"name": "beneficiary", "type": "address"}],
		"name": "claimRewardFor",
		"outputs": [],
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "operationId", "type": "uint256"},
			{"indexed": true, "name": "beneficiary", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"},
			{"indexed": false, "name": "pollStart", "type": "uint64"},
			{"indexed": false, "name": "pollEnd", "type": "uint64"}
		],
		"name": "WithdrawalProposed",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "operationId", "type": "uint256"},
			{"indexed": true, "name": "voter", "type": "address"},
			{"indexed": false, "name": "support", "type": "bool"}
		],
		"name": "VoteCast",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "operationId", "type": "uint256"},
			{"indexed": true, "name": "voter", "type": "address"},
			{"indexed": false, "name": "support", "type": "bool"}
		],
		"name": "VoteRevoked",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "operationId", "type": "uint256"},
			{"indexed": false, "name": "approved", "type": "bool"}
		],
		"name": "PollFinalized",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "operationId", "type": "uint256"},
			{"indexed": true, "name": "beneficiary", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "FundsWithdrawn",
		"type": "event"
	}
]`

var (
	WithdrawalProposedEventABI     = "WithdrawalProposed(uint256,address,uint256,uint64,uint64)"
	WithdrawalProposedEventABIHash = crypto.Keccak256Hash([]byte(WithdrawalProposedEventABI))

	VoteCastEventABI     = "VoteCast(uint256,address,bool)"
	VoteCastEventABIHash = crypto.Keccak256Hash([]byte(VoteCastEventABI))

	VoteRevokedEventABI     = "VoteRevoked(uint256,address,bool)"
	VoteRevokedEventABIHash = crypto.Keccak256Hash([]byte(VoteRevokedEventABI))

	PollFinalizedEventABI     = "PollFinalized(uint256,bool)"
	PollFinalizedEventABIHash = crypto.Keccak256Hash([]byte(PollFinalizedEventABI))

	FundsWithdrawnEventABI     = "FundsWithdrawn(uint256,address,uint256)"
	FundsWithdrawnEventABIHash = crypto.Keccak256Hash([]byte(FundsWithdrawnEventABI))
)

// EventTopics lists the first-topic hashes of every event the indexer tracks.
func EventTopics() []common.Hash {
	return []common.Hash{
		WithdrawalProposedEventABIHash,
		VoteCastEventABIHash,
		VoteRevokedEventABIHash,
		PollFinalizedEventABIHash,
		FundsWithdrawnEventABIHash,
	}
}

// ParsePoolVaultABI parses the PoolVault contract ABI
func ParsePoolVaultABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(PoolVaultABI))
}

// Encoder packs PoolVault call data for the transaction manager.
type Encoder struct {
	abi abi.ABI
}

func NewEncoder() (*Encoder, error) {
	parsed, err := ParsePoolVaultABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse PoolVault abi: %w", err)
	}
	return &Encoder{abi: parsed}, nil
}

func (e *Encoder) ProposeWithdraw(beneficiary common.Address, amount *big.Int) ([]byte, error) {
	data, err := e.abi.Pack("proposeWithdraw", beneficiary, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack proposeWithdraw: %w", err)
	}
	return data, nil
}

func (e *Encoder) ClaimReward() ([]byte, error) {
	data, err := e.abi.Pack("claimReward")
	if err != nil {
		return nil, fmt.Errorf("failed to pack claimReward: %w", err)
	}
	return data, nil
}

func (e *Encoder) ClaimRewardFor(beneficiary common.Address) ([]byte, error) {
	data, err := e.abi.Pack("claimRewardFor", beneficiary)
	if err != nil {
		return nil, fmt.Errorf("failed to pack claimRewardFor: %w", err)
	}
	return data, nil
}

type WithdrawalProposedEvent struct {
	OperationID uint64
	Beneficiary common.Address
	Amount      *big.Int
	PollStart   uint64
	PollEnd     uint64
}

type VoteEvent struct {
	OperationID uint64
	Voter       common.Address
	Support     bool
}

type PollFinalizedEvent struct {
	OperationID uint64
	Approved    bool
}

type FundsWithdrawnEvent struct {
	OperationID uint64
	Beneficiary common.Address
	Amount      *big.Int
}

// Decoder unpacks PoolVault logs into typed events.
type Decoder struct {
	abi abi.ABI
}

func NewDecoder() (*Decoder, error) {
	parsed, err := ParsePoolVaultABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse PoolVault abi: %w", err)
	}
	return &Decoder{abi: parsed}, nil
}

func operationIDFromTopic(log types.Log) (uint64, error) {
	if len(log.Topics) < 2 {
		return 0, fmt.Errorf("log has no operationId topic")
	}
	return new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64(), nil
}

func (d *Decoder) DecodeWithdrawalProposed(log types.Log) (*WithdrawalProposedEvent, error) {
	opID, err := operationIDFromTopic(log)
	if err != nil {
		return nil, err
	}
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("log has no beneficiary topic")
	}

	var data struct {
		Amount    *big.Int
		PollStart uint64
		PollEnd   uint64
	}
	if err := d.abi.UnpackIntoInterface(&data, "WithdrawalProposed", log.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack WithdrawalProposed: %w", err)
	}

	return &WithdrawalProposedEvent{
		OperationID: opID,
		Beneficiary: common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:      data.Amount,
		PollStart:   data.PollStart,
		PollEnd:     data.PollEnd,
	}, nil
}

func (d *Decoder) decodeVote(name string, log types.Log) (*VoteEvent, error) {
	opID, err := operationIDFromTopic(log)
	if err != nil {
		return nil, err
	}
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("log has no voter topic")
	}

	var data struct {
		Support bool
	}
	if err := d.abi.UnpackIntoInterface(&data, name, log.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", name, err)
	}

	return &VoteEvent{
		OperationID: opID,
		Voter:       common.BytesToAddress(log.Topics[2].Bytes()),
		Support:     data.Support,
	}, nil
}

func (d *Decoder) DecodeVoteCast(log types.Log) (*VoteEvent, error) {
	return d.decodeVote("VoteCast", log)
}

func (d *Decoder) DecodeVoteRevoked(log types.Log) (*VoteEvent, error) {
	return d.decodeVote("VoteRevoked", log)
}

func (d *Decoder) DecodePollFinalized(log types.Log) (*PollFinalizedEvent, error) {
	opID, err := operationIDFromTopic(log)
	if err != nil {
		return nil, err
	}

	var data struct {
		Approved bool
	}
	if err := d.abi.UnpackIntoInterface(&data, "PollFinalized", log.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack PollFinalized: %w", err)
	}

	return &PollFinalizedEvent{OperationID: opID, Approved: data.Approved}, nil
}

func (d *Decoder) DecodeFundsWithdrawn(log types.Log) (*FundsWithdrawnEvent, error) {
	opID, err := operationIDFromTopic(log)
	if err != nil {
		return nil, err
	}
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("log has no beneficiary topic")
	}

	var data struct {
		Amount *big.Int
	}
	if err := d.abi.UnpackIntoInterface(&data, "FundsWithdrawn", log.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack FundsWithdrawn: %w", err)
	}

	return &FundsWithdrawnEvent{
		OperationID: opID,
		Beneficiary: common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:      data.Amount,
	}, nil
}
