package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/neutronlabs/neutron/internal/types"
)

// ExchangePath is the sync exchange endpoint on every peer.
const ExchangePath = "/api/v1/mesh/sync/exchange"

// exchangeTimeout bounds one full exchange round with a peer.
const exchangeTimeout = 30 * time.Second

// ExchangeRequest is one side's half of a sync round: who is calling,
// which operations they bring, and how far back they need ours.
type ExchangeRequest struct {
	PeerID     string       `json:"sender_peer_id"`
	Since      string       `json:"since,omitempty"`
	Operations []*Operation `json:"operations"`
}

// ExchangeResponse carries the responder's delta back to the caller.
type ExchangeResponse struct {
	PeerID     string       `json:"peer_id"`
	Operations []*Operation `json:"operations"`
	Applied    int          `json:"applied"`
	Conflicts  int          `json:"conflicts"`
}

// ExchangeClient performs sync rounds against remote peers over HTTP.
type ExchangeClient struct {
	client *http.Client
}

// NewExchangeClient creates a client with the standard exchange timeout.
func NewExchangeClient() *ExchangeClient {
	return &ExchangeClient{
		client: &http.Client{Timeout: exchangeTimeout},
	}
}

// Exchange posts req to the peer and decodes its delta. Connection
// failures and non-200 responses both surface as ErrPeerUnreachable so
// callers treat an absent laptop and a misbehaving one the same way.
func (c *ExchangeClient) Exchange(ctx context.Context, peer *Peer, req *ExchangeRequest) (*ExchangeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal exchange request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", peer.Addr(), ExchangePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", peer.PeerID, types.ErrPeerUnreachable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned %d: %w", peer.PeerID, resp.StatusCode, types.ErrPeerUnreachable)
	}

	var out ExchangeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	return &out, nil
}

// ExchangeHandler is the server side of the protocol: it applies the
// caller's operations and answers with the local delta since the caller's
// checkpoint.
type ExchangeHandler struct {
	tracker *Tracker
	applier *Applier
	state   *SyncState
}

// NewExchangeHandler creates the handler. state may be nil.
func NewExchangeHandler(tracker *Tracker, applier *Applier, state *SyncState) *ExchangeHandler {
	return &ExchangeHandler{tracker: tracker, applier: applier, state: state}
}

// ServeHTTP implements the exchange endpoint.
func (h *ExchangeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ExchangeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		http.Error(w, "sender_peer_id is required", http.StatusBadRequest)
		return
	}
	if req.PeerID == h.tracker.PeerID() {
		http.Error(w, "refusing to sync with self", http.StatusBadRequest)
		return
	}

	res := h.applier.Apply(r.Context(), req.Operations)
	if h.state != nil {
		if err := h.state.RecordInbound(r.Context(), req.PeerID, res); err != nil {
			log.Printf("mesh: record inbound state for %s: %v", req.PeerID, err)
		}
	}

	ops, err := h.tracker.OpsSince(r.Context(), req.Since, nil)
	if err != nil {
		log.Printf("mesh: load delta for %s: %v", req.PeerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&ExchangeResponse{
		PeerID:     h.tracker.PeerID(),
		Operations: ops,
		Applied:    res.Applied,
		Conflicts:  res.Conflicts,
	}); err != nil {
		log.Printf("mesh: write exchange response: %v", err)
	}
}
