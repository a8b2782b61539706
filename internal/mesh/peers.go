package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Peer is a known sync peer on the local network.
type Peer struct {
	PeerID   string    `json:"peer_id"`
	Name     string    `json:"name,omitempty"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	AddedAt  time.Time `json:"added_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Addr returns the peer's host:port.
func (p *Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// PeerRegistry tracks known peers. Thread-safe and persisted to disk as
// peers.json so pairings survive restarts.
type PeerRegistry struct {
	mu       sync.RWMutex
	peers    map[string]*Peer // keyed by PeerID
	filePath string
}

// NewPeerRegistry creates a registry. If filePath exists, peers are loaded
// from it.
func NewPeerRegistry(filePath string) (*PeerRegistry, error) {
	r := &PeerRegistry{
		peers:    make(map[string]*Peer),
		filePath: filePath,
	}

	if _, err := os.Stat(filePath); err == nil {
		if err := r.load(); err != nil {
			return nil, fmt.Errorf("load peer registry: %w", err)
		}
	}

	return r, nil
}

// AddPeer adds or updates a peer and persists to disk.
func (r *PeerRegistry) AddPeer(peer *Peer) error {
	if peer.PeerID == "" {
		return fmt.Errorf("peer_id is required")
	}
	if peer.Host == "" || peer.Port == 0 {
		return fmt.Errorf("peer %s: host and port are required", peer.PeerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if peer.AddedAt.IsZero() {
		peer.AddedAt = time.Now()
	}
	r.peers[peer.PeerID] = peer

	return r.saveLocked()
}

// GetPeer returns a copy of the peer, or nil if unknown.
func (r *PeerRegistry) GetPeer(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[peerID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// ListPeers returns a snapshot of all peers.
func (r *PeerRegistry) ListPeers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		cp := *p
		result = append(result, &cp)
	}
	return result
}

// RemovePeer removes a peer and persists to disk.
func (r *PeerRegistry) RemovePeer(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, peerID)
	return r.saveLocked()
}

// TouchPeer updates the peer's last-seen timestamp.
func (r *PeerRegistry) TouchPeer(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return fmt.Errorf("peer %s not found", peerID)
	}
	p.LastSeen = time.Now()
	return r.saveLocked()
}

// Len returns the number of known peers.
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// load reads peers.json. Must be called without holding mu.
func (r *PeerRegistry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return fmt.Errorf("read peers file: %w", err)
	}

	var peers []*Peer
	if err := json.Unmarshal(data, &peers); err != nil {
		return fmt.Errorf("unmarshal peers: %w", err)
	}

	for _, p := range peers {
		r.peers[p.PeerID] = p
	}
	return nil
}

// saveLocked writes peers.json. Caller must hold mu.
func (r *PeerRegistry) saveLocked() error {
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}

	data, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal peers: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.filePath), 0750); err != nil {
		return fmt.Errorf("create peers directory: %w", err)
	}
	if err := os.WriteFile(r.filePath, data, 0600); err != nil {
		return fmt.Errorf("write peers file: %w", err)
	}
	return nil
}
