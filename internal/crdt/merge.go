package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedUpdate indicates that an update payload could not be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrCorruptState indicates that a persisted state blob could not be decoded.
	ErrCorruptState = errors.New("crdt: corrupt state")
)

// Register holds a single last-writer-wins cell.
type Register struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"nodeId"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// document is the canonical on-disk and on-wire shape shared by state
// snapshots and updates: an update is simply a (usually small) state.
type document struct {
	Entries map[string]Register `json:"entries"`
}

// EmptyState returns the canonical encoding of a document with no entries.
func EmptyState() []byte {
	encoded, _ := json.Marshal(document{Entries: map[string]Register{}})
	return encoded
}

// Merge folds update into state and returns the canonical encoding of the
// result. The operation is commutative, associative and idempotent: entry
// keys are unioned and conflicting registers are resolved by the total order
// (timestamp, node id, value), so any permutation or duplication of the same
// update set produces byte-identical output.
func Merge(state []byte, update []byte) ([]byte, error) {
	base, err := decodeState(state)
	if err != nil {
		return nil, err
	}

	delta, err := decode(update)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	for key, incoming := range delta.Entries {
		existing, ok := base.Entries[key]
		if !ok || wins(incoming, existing) {
			base.Entries[key] = incoming
		}
	}

	return encode(base)
}

// Validate reports whether raw decodes as a state blob.
func Validate(raw []byte) error {
	_, err := decodeState(raw)
	return err
}

func decodeState(raw []byte) (document, error) {
	if len(raw) == 0 {
		return document{Entries: map[string]Register{}}, nil
	}
	doc, err := decode(raw)
	if err != nil {
		return document{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return doc, nil
}

func decode(raw []byte) (document, error) {
	if len(raw) == 0 {
		return document{}, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var doc document
	if err := decoder.Decode(&doc); err != nil {
		return document{}, err
	}
	if doc.Entries == nil {
		doc.Entries = map[string]Register{}
	}
	return doc, nil
}

// encode relies on encoding/json sorting map keys, which makes the output a
// canonical form: equal entry sets encode to identical bytes.
func encode(doc document) ([]byte, error) {
	return json.Marshal(doc)
}

// wins implements the deterministic total order between two registers
// competing for the same key.
func wins(candidate Register, current Register) bool {
	if candidate.Timestamp != current.Timestamp {
		return candidate.Timestamp > current.Timestamp
	}
	if candidate.NodeID != current.NodeID {
		return candidate.NodeID > current.NodeID
	}
	if candidate.Value != current.Value {
		return candidate.Value > current.Value
	}
	return candidate.Deleted && !current.Deleted
}
