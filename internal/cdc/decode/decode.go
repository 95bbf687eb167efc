// Package decode parses the output of the logical decoding plugin into
// journal records. Two plugin dialects are supported: the JSON dialect of
// wal2json (format version 2) and the textual dialect of test_decoding.
package decode

import (
	"fmt"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgclone/internal/cdc/journal"
)

// Decoder turns one XLogData payload into zero or more journal records.
type Decoder interface {
	// Plugin returns the output plugin name this decoder understands.
	Plugin() string
	// PluginArgs returns the options passed to START_REPLICATION.
	PluginArgs() []string
	// Decode parses one WAL data payload. walStart is the message's
	// position, used when the dialect does not carry its own LSN.
	Decode(walData []byte, walStart pglogrepl.LSN) ([]journal.Record, error)
}

// New returns the decoder for a plugin name.
func New(plugin string) (Decoder, error) {
	switch plugin {
	case "wal2json":
		return &wal2jsonDecoder{}, nil
	case "test_decoding":
		return newTestDecoding(), nil
	default:
		return nil, fmt.Errorf("unsupported output plugin %q", plugin)
	}
}
