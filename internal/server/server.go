package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/scenestore/internal/cluster"
	"github.com/roach88/scenestore/internal/replica"
	"github.com/roach88/scenestore/internal/wire"
)

// Server serves the client RPC surface for one in-process cluster.
type Server struct {
	cluster *cluster.Cluster
}

// New creates a server over a running cluster.
func New(c *cluster.Cluster) *Server {
	return &Server{cluster: c}
}

// SubmitRequest is the submit payload.
type SubmitRequest struct {
	Ops []OpJSON `json:"ops"`
}

// SubmitResponse reports the transaction's terminal status.
type SubmitResponse struct {
	Status string `json:"status"`
	TxnID  string `json:"txn_id"`
	HLC    string `json:"hlc"`
	Reason string `json:"reason,omitempty"`
}

// NodeResponse is one scene node.
type NodeResponse struct {
	ID           uint16            `json:"id"`
	LeftChild    uint16            `json:"left_child"`
	RightSibling uint16            `json:"right_sibling"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Handler returns the HTTP mux for the RPC surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("GET /nodes/{id}", s.handleGet)
	mux.HandleFunc("GET /nodes/{id}/children", s.handleChildren)
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// Request token for log correlation across the submit path.
	reqID := uuid.Must(uuid.NewV7()).String()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("decode submit: %w", err))
		return
	}
	ops, err := ToOps(req.Ops)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if len(ops) == 0 {
		httpError(w, http.StatusBadRequest, fmt.Errorf("submit: empty op list"))
		return
	}

	leader, err := s.cluster.LeaderReplica(0)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}

	slog.Info("submit received", "request", reqID, "ops", len(ops), "replica", leader.ID())

	result, err := leader.Submit(r.Context(), ops)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	resp := SubmitResponse{
		Status: result.Status.String(),
		TxnID:  strconv.FormatUint(result.TxnID, 16),
		HLC:    result.HLC.String(),
		Reason: string(result.Reason),
	}
	slog.Info("submit finished",
		"request", reqID, "txn_id", resp.TxnID, "status", resp.Status, "reason", resp.Reason)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	n, ok := s.nodeParam(w, r)
	if !ok {
		return
	}

	leader, err := s.ownerLeader(n)
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}

	node, ok := leader.Get(n)
	if !ok {
		httpError(w, http.StatusNotFound, fmt.Errorf("node %d not found", n))
		return
	}
	writeJSON(w, http.StatusOK, NodeResponse{
		ID:           uint16(n),
		LeftChild:    uint16(node.LeftChild),
		RightSibling: uint16(node.RightSibling),
		Properties:   node.Properties,
	})
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	n, ok := s.nodeParam(w, r)
	if !ok {
		return
	}

	leader, err := s.ownerLeader(n)
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}

	children := leader.OrderedChildren(n)
	out := make([]uint16, 0, len(children))
	for _, c := range children {
		out = append(out, uint16(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// ownerLeader finds the leader replica of the shard owning node n.
// Reads target the leader; non-leader reads are out of scope.
func (s *Server) ownerLeader(n wire.NodeID) (*replica.Replica, error) {
	any, err := s.cluster.LeaderReplica(0)
	if err != nil {
		return nil, err
	}
	home, ok := any.ShardMap().HomeShard(n)
	if !ok {
		return nil, fmt.Errorf("node %d is not mapped to a shard", n)
	}
	return s.cluster.LeaderReplica(home)
}

func (s *Server) nodeParam(w http.ResponseWriter, r *http.Request) (wire.NodeID, bool) {
	raw := strings.TrimSpace(r.PathValue("id"))
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || !wire.NodeID(id).Valid() {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid node id %q", raw))
		return 0, false
	}
	return wire.NodeID(id), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, err error) {
	slog.Debug("request failed", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
