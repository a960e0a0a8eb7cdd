// Package audit keeps a tamper-evident ledger of verification outcomes.
//
// Each entry commits to the previous one by hash, so editing, removing or
// reordering any recorded verdict breaks the chain from that point on.
package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/majorcontext/origin/internal/hashing"
)

// EntryType identifies the kind of ledger entry.
type EntryType string

const (
	EntryVerdict    EntryType = "verdict"
	EntryDeadLetter EntryType = "dead-letter"
)

// FirstSequence is the sequence number of the first entry in a ledger.
// Sequences are 1-indexed to distinguish "no previous entry" (seq=0) from the first entry.
const FirstSequence uint64 = 1

// Entry is a single hash-chained ledger entry.
type Entry struct {
	Sequence  uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Type      EntryType       `json:"type"`
	PrevHash  string          `json:"prev"`
	Data      json.RawMessage `json:"data"`
	Hash      string          `json:"hash"`
}

// NewEntry creates an entry with its hash computed. data is stored as its
// JSON encoding, which is also what the hash covers.
func NewEntry(seq uint64, prevHash string, entryType EntryType, data any) (*Entry, error) {
	return newEntryWithTimestamp(seq, prevHash, entryType, data, time.Now().UTC())
}

func newEntryWithTimestamp(seq uint64, prevHash string, entryType EntryType, data any, ts time.Time) (*Entry, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s entry: %w", entryType, err)
	}
	e := &Entry{
		Sequence:  seq,
		Timestamp: ts,
		Type:      entryType,
		PrevHash:  prevHash,
		Data:      dataJSON,
	}
	e.Hash = e.computeHash()
	return e, nil
}

// computeHash calculates Hash(seq || ts || type || prev || data). Data is
// hashed in compact form so re-indented bundles still verify.
func (e *Entry) computeHash() string {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Sequence)

	data := []byte(e.Data)
	var compact bytes.Buffer
	if err := json.Compact(&compact, e.Data); err == nil {
		data = compact.Bytes()
	}
	return hashing.Default.Concat(
		seq[:],
		[]byte(e.Timestamp.Format(time.RFC3339Nano)),
		[]byte(e.Type),
		[]byte(e.PrevHash),
		data,
	).String()
}

// Verify reports whether the entry's hash matches its contents.
func (e *Entry) Verify() bool {
	return e.Hash == e.computeHash()
}

// Decode unmarshals the entry's data into v.
func (e *Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
