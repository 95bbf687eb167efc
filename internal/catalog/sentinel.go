package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pglogrepl"
	bolt "go.etcd.io/bbolt"
)

// Sentinel is the single coordination row shared between the clone phase
// and the CDC pipeline. LSNs are stored in their textual X/Y form so the
// file can be inspected with plain tools.
type Sentinel struct {
	StartPos  string `json:"startpos"`
	EndPos    string `json:"endpos"`
	WriteLSN  string `json:"write_lsn"`
	FlushLSN  string `json:"flush_lsn"`
	ReplayLSN string `json:"replay_lsn"`
	Apply     bool   `json:"apply"`
}

var sentinelKey = []byte("row")

func lsnOrZero(s string) pglogrepl.LSN {
	if s == "" {
		return 0
	}
	l, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return 0
	}
	return l
}

// StartLSN returns the parsed startpos, zero when unset.
func (sn Sentinel) StartLSN() pglogrepl.LSN { return lsnOrZero(sn.StartPos) }

// EndLSN returns the parsed endpos, zero when unset.
func (sn Sentinel) EndLSN() pglogrepl.LSN { return lsnOrZero(sn.EndPos) }

// Write returns the parsed write_lsn, zero when unset.
func (sn Sentinel) Write() pglogrepl.LSN { return lsnOrZero(sn.WriteLSN) }

// Flush returns the parsed flush_lsn, zero when unset.
func (sn Sentinel) Flush() pglogrepl.LSN { return lsnOrZero(sn.FlushLSN) }

// Replay returns the parsed replay_lsn, zero when unset.
func (sn Sentinel) Replay() pglogrepl.LSN { return lsnOrZero(sn.ReplayLSN) }

func (s *Store) readSentinel(tx *bolt.Tx) (Sentinel, error) {
	var sn Sentinel
	data := tx.Bucket(bucketSentinel).Get(sentinelKey)
	if data == nil {
		return sn, nil
	}
	return sn, json.Unmarshal(data, &sn)
}

func (s *Store) writeSentinel(tx *bolt.Tx, sn Sentinel) error {
	data, err := json.Marshal(sn)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSentinel).Put(sentinelKey, data)
}

// GetSentinel reads the sentinel row.
func (s *Store) GetSentinel() (Sentinel, error) {
	var sn Sentinel
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sn, err = s.readSentinel(tx)
		return err
	})
	return sn, err
}

// SetStartPos records the streaming start position.
func (s *Store) SetStartPos(l pglogrepl.LSN) error {
	return s.updateSentinel(func(sn *Sentinel) error {
		sn.StartPos = l.String()
		return nil
	})
}

// SetEndPos records the upper bound at which CDC apply stops. Endpos must
// not precede startpos.
func (s *Store) SetEndPos(l pglogrepl.LSN) error {
	return s.updateSentinel(func(sn *Sentinel) error {
		if sn.StartPos != "" && l < sn.StartLSN() {
			return fmt.Errorf("endpos %s precedes startpos %s", l, sn.StartPos)
		}
		sn.EndPos = l.String()
		return nil
	})
}

// SetApply flips the apply gate. The gate only moves from false to true.
func (s *Store) SetApply(apply bool) error {
	return s.updateSentinel(func(sn *Sentinel) error {
		if sn.Apply && !apply {
			return fmt.Errorf("apply gate cannot flip back to false during a run")
		}
		sn.Apply = apply
		return nil
	})
}

// UpdateWriteFlush advances the receiver's positions. The invariant
// replay <= flush <= write is enforced; positions never move backwards.
func (s *Store) UpdateWriteFlush(write, flush pglogrepl.LSN) error {
	return s.updateSentinel(func(sn *Sentinel) error {
		if flush > write {
			return fmt.Errorf("flush %s ahead of write %s", flush, write)
		}
		if write > sn.Write() {
			sn.WriteLSN = write.String()
		}
		if flush > sn.Flush() {
			sn.FlushLSN = flush.String()
		}
		return nil
	})
}

// UpdateReplay advances the applier's position. Replay never exceeds flush
// except before the receiver has written anything (pure-apply runs).
func (s *Store) UpdateReplay(replay pglogrepl.LSN) error {
	return s.updateSentinel(func(sn *Sentinel) error {
		if sn.FlushLSN != "" && replay > sn.Flush() {
			return fmt.Errorf("replay %s ahead of flush %s", replay, sn.FlushLSN)
		}
		if replay > sn.Replay() {
			sn.ReplayLSN = replay.String()
		}
		return nil
	})
}

func (s *Store) updateSentinel(mutate func(*Sentinel) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sn, err := s.readSentinel(tx)
		if err != nil {
			return err
		}
		if err := mutate(&sn); err != nil {
			return err
		}
		return s.writeSentinel(tx, sn)
	})
}
