package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LocalTransaction is one signed broadcast attempt. Gas and fee fields are
// frozen at signing time; a retry creates a new record with a fresh nonce.
type LocalTransaction struct {
	ID                   primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Network              string             `json:"network" bson:"network"`
	From                 string             `json:"from" bson:"from"`
	To                   string             `json:"to" bson:"to"`
	Nonce                uint64             `json:"nonce" bson:"nonce"`
	GasLimit             uint64             `json:"gas_limit" bson:"gas_limit"`
	BaseFee              string             `json:"base_fee" bson:"base_fee"`
	MaxFeePerGas         string             `json:"max_fee_per_gas" bson:"max_fee_per_gas"`
	MaxPriorityFeePerGas string             `json:"max_priority_fee_per_gas" bson:"max_priority_fee_per_gas"`
	State                string             `json:"state" bson:"state"`
	TxHash               string             `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	CreatedAt            time.Time          `json:"created_at" bson:"created_at"`
}
