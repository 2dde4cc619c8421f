package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"bridge/internal/logging"
	"bridge/internal/types"
)

// Query is the read surface the server exposes. Implemented by the worker.
type Query interface {
	GetProof(eventID uint64) (*types.EventProof, error)
	GetRoundStatus(eventID uint64) (types.RoundStatus, bool, error)
	Stalled() bool
}

// Server serves the bridge JSON-RPC API and the health endpoint.
type Server struct {
	query  Query
	logger logging.Logger
	srv    *http.Server
}

func NewServer(addr string, query Query, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	s := &Server{query: query, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Infof("rpc server listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type eventParams struct {
	EventID uint64 `json:"event_id"`
}

// proofResult is the JSON shape of a finalized proof. Signatures keep the
// sparse slot layout; unsigned slots are null.
type proofResult struct {
	EventID        uint64    `json:"event_id"`
	Digest         string    `json:"digest"`
	ValidatorSetID uint64    `json:"validator_set_id"`
	BlockNumber    uint64    `json:"block_number"`
	Signatures     []*string `json:"signatures"`
	Encoded        string    `json:"encoded"`
}

type statusResult struct {
	EventID uint64 `json:"event_id"`
	Status  string `json:"status"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "bridge_getProof":
		s.getProof(&req, resp)
	case "bridge_getRoundStatus":
		s.getRoundStatus(&req, resp)
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found"}
	}
	writeRPC(w, resp)
}

func (s *Server) getProof(req *rpcRequest, resp *rpcResponse) {
	p, ok := decodeEventParams(req, resp)
	if !ok {
		return
	}
	proof, err := s.query.GetProof(p.EventID)
	if err != nil {
		s.logger.Errorf("rpc bridge_getProof %d: %v", p.EventID, err)
		resp.Error = &rpcError{Code: codeInternalError, Message: "internal error"}
		return
	}
	if proof == nil {
		resp.Result = nil
		return
	}

	sigs := make([]*string, len(proof.Signatures))
	for i, sig := range proof.Signatures {
		if sig != nil {
			h := hex.EncodeToString(sig)
			sigs[i] = &h
		}
	}
	resp.Result = &proofResult{
		EventID:        proof.EventID,
		Digest:         hex.EncodeToString(proof.Digest[:]),
		ValidatorSetID: proof.ValidatorSetID,
		BlockNumber:    proof.BlockNumber,
		Signatures:     sigs,
		Encoded:        hex.EncodeToString(proof.Encode()),
	}
}

func (s *Server) getRoundStatus(req *rpcRequest, resp *rpcResponse) {
	p, ok := decodeEventParams(req, resp)
	if !ok {
		return
	}
	status, known, err := s.query.GetRoundStatus(p.EventID)
	if err != nil {
		s.logger.Errorf("rpc bridge_getRoundStatus %d: %v", p.EventID, err)
		resp.Error = &rpcError{Code: codeInternalError, Message: "internal error"}
		return
	}
	if !known {
		resp.Result = &statusResult{EventID: p.EventID, Status: "unknown"}
		return
	}
	resp.Result = &statusResult{EventID: p.EventID, Status: status.String()}
}

// decodeEventParams accepts both positional ([event_id]) and named
// ({"event_id": n}) parameter forms.
func decodeEventParams(req *rpcRequest, resp *rpcResponse) (eventParams, bool) {
	var p eventParams
	if len(req.Params) == 0 {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: "missing params"}
		return p, false
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		var positional []uint64
		if err := json.Unmarshal(req.Params, &positional); err != nil || len(positional) != 1 {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid params"}
			return p, false
		}
		p.EventID = positional[0]
	}
	return p, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.query.Stalled() {
		status = "stalled"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func writeRPC(w http.ResponseWriter, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
