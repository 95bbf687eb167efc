// Package journal persists the decoded replication stream as rotating
// files aligned on source WAL segment boundaries. Records are JSON, one
// per line, in strictly increasing LSN order; a segment is readable only
// once its trailing SWITCH has been written and the .partial suffix
// dropped.
package journal

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// Action tags one journal record.
type Action string

const (
	ActionBegin     Action = "B"
	ActionCommit    Action = "C"
	ActionInsert    Action = "I"
	ActionUpdate    Action = "U"
	ActionDelete    Action = "D"
	ActionTruncate  Action = "T"
	ActionSwitch    Action = "X"
	ActionKeepalive Action = "K"
	ActionRollback  Action = "R"
	ActionEndpos    Action = "E"
)

// String returns a human-readable name for an Action.
func (a Action) String() string {
	switch a {
	case ActionBegin:
		return "BEGIN"
	case ActionCommit:
		return "COMMIT"
	case ActionInsert:
		return "INSERT"
	case ActionUpdate:
		return "UPDATE"
	case ActionDelete:
		return "DELETE"
	case ActionTruncate:
		return "TRUNCATE"
	case ActionSwitch:
		return "SWITCH"
	case ActionKeepalive:
		return "KEEPALIVE"
	case ActionRollback:
		return "ROLLBACK"
	case ActionEndpos:
		return "ENDPOS"
	default:
		return "UNKNOWN"
	}
}

// IsChange reports whether the record carries row data.
func (a Action) IsChange() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate:
		return true
	}
	return false
}

// Column is one column of a decoded tuple. Null and Default are mutually
// exclusive with Value; Default marks generated columns, which the target
// must recompute.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Value   string `json:"value,omitempty"`
	Null    bool   `json:"null,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// Record is one journal line.
type Record struct {
	Action    Action   `json:"action"`
	LSN       string   `json:"lsn"`
	XID       uint32   `json:"xid,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Schema    string   `json:"schema,omitempty"`
	Table     string   `json:"table,omitempty"`
	Columns   []Column `json:"columns,omitempty"`
	Identity  []Column `json:"identity,omitempty"`
	// CommitLSN is set on Begin records when the decoder knows the
	// transaction's final LSN up front.
	CommitLSN string `json:"commit_lsn,omitempty"`
}

// Pos parses the record's LSN.
func (r Record) Pos() (pglogrepl.LSN, error) {
	l, err := pglogrepl.ParseLSN(r.LSN)
	if err != nil {
		return 0, fmt.Errorf("record lsn %q: %w", r.LSN, err)
	}
	return l, nil
}

// Encode renders the record as one JSON line including the trailing
// newline.
func (r Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode journal record: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one JSON line into a Record.
func Decode(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return r, fmt.Errorf("decode journal record: %w", err)
	}
	if r.Action == "" {
		return r, fmt.Errorf("journal record missing action: %s", line)
	}
	return r, nil
}
