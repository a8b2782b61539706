// Package identity generates the stable identifiers used across the core:
// the device-derived peer ID and prefixed entity IDs.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// PeerIDLength is the length of a peer ID in hex characters.
const PeerIDLength = 16

// PeerID derives the local peer ID from the first hardware MAC address:
// sha256(mac) truncated to 16 hex chars. The result is stable across
// reboots on the same device. When no hardware address is available, a
// random ID is generated once and persisted under dir so it stays stable.
func PeerID(dir string) (string, error) {
	if mac := firstHardwareAddr(); mac != "" {
		sum := sha256.Sum256([]byte(mac))
		return hex.EncodeToString(sum[:])[:PeerIDLength], nil
	}
	return persistedRandomPeerID(dir)
}

// firstHardwareAddr returns the MAC address of the first non-loopback
// interface with a hardware address, or "".
func firstHardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// persistedRandomPeerID loads or creates a random peer ID under dir.
func persistedRandomPeerID(dir string) (string, error) {
	path := filepath.Join(dir, "peer_id")
	if data, err := os.ReadFile(path); err == nil { //nolint:gosec // G304 - path inside our own data dir
		id := strings.TrimSpace(string(data))
		if len(id) == PeerIDLength {
			return id, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate peer id: %w", err)
	}
	sum := sha256.Sum256(buf)
	id := hex.EncodeToString(sum[:])[:PeerIDLength]

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist peer id: %w", err)
	}
	return id, nil
}

// NewOpID generates a sync operation ID (UUIDv4, the wire format).
func NewOpID() string {
	return uuid.NewString()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newULID generates a ULID string.
func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// NewSessionID generates a chat session ID. Format: "ses_" + ulid().
func NewSessionID() string {
	return "ses_" + newULID()
}

// NewWorkflowID generates a workflow ID. Format: "wf_" + ulid().
func NewWorkflowID() string {
	return "wf_" + newULID()
}

// NewWorkItemID generates a work item ID. Format: "wi_" + ulid().
func NewWorkItemID() string {
	return "wi_" + newULID()
}

// NewQueueID generates a queue ID. Format: "q_" + ulid().
func NewQueueID() string {
	return "q_" + newULID()
}

// NewTeamID generates a team ID. Format: "team_" + ulid().
func NewTeamID() string {
	return "team_" + newULID()
}

// NewProfileID generates a permission profile ID. Format: "prof_" + ulid().
func NewProfileID() string {
	return "prof_" + newULID()
}

// NewPermissionSetID generates a permission set ID. Format: "pset_" + ulid().
func NewPermissionSetID() string {
	return "pset_" + newULID()
}

// NewInviteCode generates a team invite code. Format: "inv_" + ulid().
func NewInviteCode() string {
	return "inv_" + newULID()
}

// NewFileID generates a document file ID. Format: "file_" + ulid().
func NewFileID() string {
	return "file_" + newULID()
}

// Timestamp returns the canonical wire timestamp: ISO 8601 UTC with
// nanosecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
