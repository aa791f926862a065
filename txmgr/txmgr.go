// Package txmgr builds, signs and broadcasts pool transactions. It owns the
// local transaction records that audit every broadcast attempt.
package txmgr

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/poolvote-network/pool-relay-api/database/models"
	"github.com/poolvote-network/pool-relay-api/gas"
)

// ChainClient is the slice of the RPC client the manager needs.
type ChainClient interface {
	ChainID() *big.Int
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TxStore persists local transaction records.
type TxStore interface {
	CreateLocalTransaction(ctx context.Context, tx models.LocalTransaction) (primitive.ObjectID, error)
	MarkLocalTransactionMined(ctx context.Context, id primitive.ObjectID, txHash string) error
	MarkLocalTransactionFailed(ctx context.Context, id primitive.ObjectID) error
}

type Manager struct {
	client ChainClient
	store  TxStore
	oracle gas.Estimator
	logger *slog.Logger
	opts   *ManagerOpts

	privateKey *ecdsa.PrivateKey
	from       common.Address
}

type ManagerOpts struct {
	Client  ChainClient
	Store   TxStore
	Oracle  gas.Estimator
	Logger  *slog.Logger
	Network string

	// PrivateKeyHex is the relay account key, held in memory only.
	PrivateKeyHex string

	// GasLimitFloor guards against chains that mis-estimate near-zero-cost
	// calls. Estimates below it are raised to it.
	GasLimitFloor uint64

	// FeeMarginPercent inflates the oracle's suggested priority fee, e.g.
	// 110 for a 10% buffer. Test networks get a larger buffer than
	// production.
	FeeMarginPercent int64

	// MaxFeePerGas is the hard ceiling in wei. Builds whose computed max
	// fee exceed it fail with ErrMaxFeeExceeded.
	MaxFeePerGas *big.Int
}

func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FeeMarginPercent == 0 {
		opts.FeeMarginPercent = 110
	}

	keyHex := opts.PrivateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cannot assert type: public key is not of type *ecdsa.PublicKey")
	}

	return &Manager{
		client:     opts.Client,
		store:      opts.Store,
		oracle:     opts.Oracle,
		logger:     opts.Logger,
		opts:       &opts,
		privateKey: privateKey,
		from:       crypto.PubkeyToAddress(*publicKey),
	}, nil
}

func (m *Manager) From() common.Address {
	return m.from
}

// SignedEnvelope is a fully signed transaction plus the fee context it was
// built against, kept for the local transaction record.
type SignedEnvelope struct {
	Tx      *types.Transaction
	BaseFee *big.Int
}

// BuildSignedTx assembles and signs a dynamic-fee transaction. The nonce is
// the account's pending-inclusive count, fetched fresh per call. Fee fields
// come from the oracle with the configured margin; a computed max fee over
// the ceiling fails with ErrMaxFeeExceeded and nothing is broadcast.
func (m *Manager) BuildSignedTx(ctx context.Context, to common.Address, callData []byte) (*SignedEnvelope, error) {
	gasLimit, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
		From: m.from,
		To:   &to,
		Data: callData,
	})
	if err != nil {
		return nil, errors.Join(ErrEstimateGasFailed, fmt.Errorf("failed to estimate gas: %w", err))
	}
	if gasLimit < m.opts.GasLimitFloor {
		gasLimit = m.opts.GasLimitFloor
	}

	nonce, err := m.client.PendingNonceAt(ctx, m.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	estimate, err := m.oracle.Estimate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get fee estimate: %w", err)
	}

	tipCap := new(big.Int).Mul(estimate.TipCap, big.NewInt(m.opts.FeeMarginPercent))
	tipCap.Div(tipCap, big.NewInt(100))

	// maxFee covers two base-fee doublings plus the tip
	maxFee := new(big.Int).Mul(estimate.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tipCap)

	if m.opts.MaxFeePerGas != nil && maxFee.Cmp(m.opts.MaxFeePerGas) > 0 {
		return nil, fmt.Errorf("%w: computed %s, ceiling %s",
			ErrMaxFeeExceeded, maxFee.String(), m.opts.MaxFeePerGas.String())
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   m.client.ChainID(),
		Nonce:     nonce,
		To:        &to,
		Gas:       gasLimit,
		GasFeeCap: maxFee,
		GasTipCap: tipCap,
		Data:      callData,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(m.client.ChainID()), m.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return &SignedEnvelope{Tx: signedTx, BaseFee: estimate.BaseFee}, nil
}

// Submit persists a pending local transaction record, broadcasts the raw
// transaction, and settles the record to MINED or FAILED. Broadcast errors
// are not retried here; the scheduler applies retry policy uniformly.
func (m *Manager) Submit(ctx context.Context, envelope *SignedEnvelope) (primitive.ObjectID, error) {
	tx := envelope.Tx

	record := models.LocalTransaction{
		Network:              m.opts.Network,
		From:                 m.from.Hex(),
		To:                   tx.To().Hex(),
		Nonce:                tx.Nonce(),
		GasLimit:             tx.Gas(),
		BaseFee:              envelope.BaseFee.String(),
		MaxFeePerGas:         tx.GasFeeCap().String(),
		MaxPriorityFeePerGas: tx.GasTipCap().String(),
	}

	txID, err := m.store.CreateLocalTransaction(ctx, record)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("failed to persist local transaction: %w", err)
	}

	if err := m.client.SendTransaction(ctx, tx); err != nil {
		if markErr := m.store.MarkLocalTransactionFailed(ctx, txID); markErr != nil {
			m.logger.Error("failed to mark local transaction failed", "txId", txID.Hex(), "error", markErr)
		}
		return txID, errors.Join(ErrBroadcastFailed, fmt.Errorf("failed to send transaction: %w", err))
	}

	if err := m.store.MarkLocalTransactionMined(ctx, txID, tx.Hash().Hex()); err != nil {
		return txID, fmt.Errorf("failed to mark local transaction mined: %w", err)
	}

	m.logger.Info("transaction broadcast accepted",
		"txHash", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
		"maxFeePerGas", tx.GasFeeCap().String())

	return txID, nil
}
