// Package audit implements the hash-chained, tamper-evident audit log from
// spec §3/§4.6/§6. The chain function is kept pure — a free function taking
// (prevHash, baseRecord) -> hash — so both the producer (admin/proxy
// handlers appending records) and the standalone verifier
// (cmd/audit-verify) share one definition, per spec §9's explicit guidance.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Record is one hash-chained audit entry.
type Record struct {
	ID       uint64 `json:"id"`
	TSMillis int64  `json:"ts_ms"`
	Kind     string `json:"kind"`
	Payload  any    `json:"payload"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// baseRecord is Record minus the chain fields, canonically serialised to
// compute each record's hash.
type baseRecord struct {
	ID       uint64 `json:"id"`
	TSMillis int64  `json:"ts_ms"`
	Kind     string `json:"kind"`
	Payload  any    `json:"payload"`
}

// ComputeHash returns hex_lower(SHA-256(prevHash || 0x0A || canonical_json(base))),
// exactly as spec §6's "Audit export format" defines the chain.
func ComputeHash(prevHash string, rec Record) (string, error) {
	base := baseRecord{ID: rec.ID, TSMillis: rec.TSMillis, Kind: rec.Kind, Payload: rec.Payload}
	canon, err := canonicalJSON(base)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("\n"))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON marshals v with sorted map keys. encoding/json already sorts
// map[string]any keys, so for Go-native payloads this is simply json.Marshal;
// we route through json.Marshal on a value produced via struct tags to keep
// field order fixed regardless of Go version changes to struct reflection.
func canonicalJSON(base baseRecord) ([]byte, error) {
	return json.Marshal(base)
}

// Chain appends a new record with sequence id (prev.ID+1), computing its
// hash from prev (or the empty string for the first record in the chain).
func Chain(prev Record, havePrev bool, tsMillis int64, kind string, payload any) (Record, error) {
	var id uint64 = 1
	prevHash := ""
	if havePrev {
		id = prev.ID + 1
		prevHash = prev.Hash
	}
	rec := Record{ID: id, TSMillis: tsMillis, Kind: kind, Payload: payload, PrevHash: prevHash}
	hash, err := ComputeHash(prevHash, rec)
	if err != nil {
		return Record{}, err
	}
	rec.Hash = hash
	return rec, nil
}

// Verify checks that every record in records forms a valid chain: each
// record's prev_hash equals its predecessor's hash, and its hash matches
// ComputeHash(prev_hash, base(record)). records must be in ascending id
// order starting from the chain's first record.
func Verify(records []Record) error {
	prevHash := ""
	for i, rec := range records {
		if rec.PrevHash != prevHash {
			return fmt.Errorf("audit: record %d (id=%d): prev_hash mismatch: got %q want %q", i, rec.ID, rec.PrevHash, prevHash)
		}
		want, err := ComputeHash(rec.PrevHash, rec)
		if err != nil {
			return fmt.Errorf("audit: record %d (id=%d): %w", i, rec.ID, err)
		}
		if want != rec.Hash {
			return fmt.Errorf("audit: record %d (id=%d): hash mismatch: got %q want %q", i, rec.ID, rec.Hash, want)
		}
		prevHash = rec.Hash
	}
	return nil
}

// WriteNDJSON writes records to w, one JSON object per line.
func WriteNDJSON(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// ReadNDJSON parses ND-JSON audit records from r.
func ReadNDJSON(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("audit: parse line: %w", err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
