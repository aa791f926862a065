package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/poolvote-network/pool-relay-api/database/models"
	"github.com/poolvote-network/pool-relay-api/types"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func (s *Server) handleRecordsGet(w http.ResponseWriter, r *http.Request) {
	// Get query parameters
	page, err := strconv.ParseInt(r.URL.Query().Get("page"), 10, 64)
	if err != nil || page < 1 {
		page = 1
	}

	pageSize, err := strconv.ParseInt(r.URL.Query().Get("pageSize"), 10, 64)
	if err != nil || pageSize < 1 {
		pageSize = 10
	}

	// Build filter from query parameters
	filter := models.Filter{
		Network:     r.URL.Query().Get("network"),
		State:       r.URL.Query().Get("state"),
		Operation:   r.URL.Query().Get("operation"),
		Beneficiary: r.URL.Query().Get("beneficiary"),
		PoolAddress: r.URL.Query().Get("pool"),
	}

	result, err := s.db.GetLedgerRecords(r.Context(), filter, page, pageSize)
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, result)
}

func (s *Server) handleRecordGet(w http.ResponseWriter, r *http.Request) {
	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid record id"))
		return
	}

	record, err := s.db.GetLedgerRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			ERROR(w, http.StatusNotFound, fmt.Errorf("record not found"))
			return
		}
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, record)
}

type createRecordRequest struct {
	Operation   string `json:"operation"`
	PoolAddress string `json:"pool_address"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

// handleRecordCreate accepts a relay request and queues it for the
// scheduler. It returns as soon as the record is stored; submission happens
// on the next tick.
func (s *Server) handleRecordCreate(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		ERROR(w, http.StatusServiceUnavailable, fmt.Errorf("scheduler not running"))
		return
	}

	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	op := types.OperationType(req.Operation)
	switch op {
	case types.ProposeWithdraw, types.ClaimReward, types.ClaimRewardFor:
	default:
		ERROR(w, http.StatusBadRequest, fmt.Errorf("unknown operation %q", req.Operation))
		return
	}

	if req.PoolAddress == "" {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("pool_address is required"))
		return
	}

	if op == types.ProposeWithdraw {
		amount, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			ERROR(w, http.StatusBadRequest, fmt.Errorf("amount must be a positive integer, got %q", req.Amount))
			return
		}
	}

	id, err := s.scheduler.Schedule(r.Context(), op, req.PoolAddress, req.Beneficiary, req.Amount)
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{"id": id.Hex()})
}

// handleOperationGet looks a record up by its on-chain operation id, the key
// indexed events carry.
func (s *Server) handleOperationGet(w http.ResponseWriter, r *http.Request) {
	operationID, err := strconv.ParseUint(chi.URLParam(r, "operationId"), 10, 64)
	if err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid operation id"))
		return
	}

	record, err := s.db.GetLedgerRecordByOperationID(r.Context(), operationID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			ERROR(w, http.StatusNotFound, fmt.Errorf("no record for operation %d", operationID))
			return
		}
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, record)
}

// handlePendingTransactionsGet lists broadcast attempts still awaiting
// settlement, useful when diagnosing a stuck relay account.
func (s *Server) handlePendingTransactionsGet(w http.ResponseWriter, r *http.Request) {
	pending, err := s.db.GetPendingLocalTransactions(r.Context(), r.URL.Query().Get("network"))
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, pending)
}

func (s *Server) handleRecordRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid record id"))
		return
	}

	if err := s.db.RequeueLedgerRecord(r.Context(), id); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			ERROR(w, http.StatusNotFound, fmt.Errorf("record not found"))
			return
		}
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	s.log.Info("record requeued by operator", "id", id.Hex())
	JSON(w, http.StatusOK, map[string]interface{}{"requeued": true})
}
