package ethwatch

import (
	"sync"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/eth"
)

// Stats of the watcher
type Stats struct {
	Eth struct {
		Confirmations int64
		FirstBlockNum int64
		LastBlock     int64
	}
	Sync struct {
		Updated   time.Time
		LastBlock int64
		// NextSerialID is the serial id of the next priority op expected
		NextSerialID uint64
		// LastCommittedBlock and LastVerifiedBlock are the rollup blocks
		// of the last BlockCommit and BlockVerification events seen
		LastCommittedBlock common.BlockNum
		LastVerifiedBlock  common.BlockNum
		Reverts            int
	}
}

// Synced returns true if the watcher accepted every confirmed block
func (s *Stats) Synced() bool {
	return s.Sync.LastBlock >= s.Eth.LastBlock-s.Eth.Confirmations
}

// StatsHolder stores stats and that allows reading and writing them
// concurrently
type StatsHolder struct {
	Stats
	rw sync.RWMutex
}

// NewStatsHolder creates a new StatsHolder
func NewStatsHolder(firstBlockNum, confirmations int64) *StatsHolder {
	stats := Stats{}
	stats.Eth.FirstBlockNum = firstBlockNum
	stats.Eth.Confirmations = confirmations
	stats.Sync.LastBlock = firstBlockNum - 1
	return &StatsHolder{Stats: stats}
}

// UpdateEth updates the L1 head
func (s *StatsHolder) UpdateEth(lastBlock int64) {
	s.rw.Lock()
	s.Eth.LastBlock = lastBlock
	s.rw.Unlock()
}

// UpdateSync updates the last accepted block
func (s *StatsHolder) UpdateSync(lastBlock int64, nextSerialID uint64) {
	now := time.Now()
	s.rw.Lock()
	s.Sync.LastBlock = lastBlock
	s.Sync.NextSerialID = nextSerialID
	s.Sync.Updated = now
	s.rw.Unlock()
}

// UpdateRollup records the block events
func (s *StatsHolder) UpdateRollup(events *eth.RollupEvents) {
	s.rw.Lock()
	defer s.rw.Unlock()
	for _, e := range events.BlockCommit {
		s.Sync.LastCommittedBlock = e.BlockNumber
	}
	for _, e := range events.BlockVerification {
		s.Sync.LastVerifiedBlock = e.BlockNumber
	}
	for _, e := range events.BlocksRevert {
		s.Sync.LastCommittedBlock = e.TotalBlocksCommitted
		s.Sync.Reverts++
	}
}

// CopyStats returns a copy of the inner Stats
func (s *StatsHolder) CopyStats() *Stats {
	s.rw.RLock()
	sCopy := s.Stats
	s.rw.RUnlock()
	return &sCopy
}
