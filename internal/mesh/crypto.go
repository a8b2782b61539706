package mesh

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalPayload renders the signed form of an operation: a JSON object
// with exactly op_id, table_name, operation, row_id, data, timestamp,
// peer_id, version, team_id in that key order. Both sides must produce
// byte-identical payloads, so the order is built by hand instead of
// trusting map iteration.
func canonicalPayload(op *Operation) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	fields := []struct {
		key   string
		value any
	}{
		{"op_id", op.OpID},
		{"table_name", op.TableName},
		{"operation", op.Operation},
		{"row_id", op.RowID},
		{"data", op.Data},
		{"timestamp", op.Timestamp},
		{"peer_id", op.PeerID},
		{"version", op.Version},
		{"team_id", op.TeamID},
	}
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(f.key)
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.key, err)
		}
		buf.Write(val)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// signOperation computes the operation's HMAC-SHA256 signature with the
// team key. Operations without a team, or without an available key, get an
// empty signature.
func signOperation(op *Operation, keys KeyStore) (string, error) {
	if op.TeamID == "" || keys == nil {
		return "", nil
	}
	key, ok := keys.TeamKey(op.TeamID)
	if !ok {
		return "", nil
	}

	payload, err := canonicalPayload(op)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verifyOperation checks an inbound team operation's signature. It returns
// true when the key store is unavailable or has no key for the team (dev
// mode), and for non-team operations.
func verifyOperation(op *Operation, keys KeyStore) bool {
	if op.TeamID == "" || keys == nil {
		return true
	}
	key, ok := keys.TeamKey(op.TeamID)
	if !ok {
		return true
	}

	payload, err := canonicalPayload(op)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(op.Signature))
}
