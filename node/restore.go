package node

import (
	"context"

	"zkrollup-node/common"
	"zkrollup-node/config"
	"zkrollup-node/database/statedb"
	"zkrollup-node/log"
	"zkrollup-node/synchronizer"

	"github.com/jonboulle/clockwork"
)

// Restore rebuilds the account tree from the blocks committed on L1 into
// the statedb at path.  It needs no SQL database and no operator key.  A
// restore that was interrupted resumes from the last checkpoint at path.
func Restore(ctx context.Context, cfg *config.Node, path string) error {
	client, err := NewEthClient(cfg, false)
	if err != nil {
		return err
	}
	stateDB, err := statedb.NewStateDB(statedb.Config{
		Path: path,
		Keep: cfg.StateDB.Keep,
	})
	if err != nil {
		return common.Wrap(err)
	}
	defer stateDB.Close()

	sync, err := synchronizer.NewSynchronizer(client, synchronizer.Config{
		FeeAddress:     cfg.Operator.Address,
		StartBlock:     cfg.GenesisBlock,
		MaxBlockRange:  cfg.Synchronizer.MaxBlockRange,
		Confirmations:  cfg.EthWatch.Confirmations,
		Interval:       cfg.Synchronizer.Interval,
		StopWhenSynced: true,
	}, stateDB, nil, clockwork.NewRealClock())
	if err != nil {
		return common.Wrap(err)
	}
	log.Infow("Restoring state from L1", "path", path, "from", cfg.GenesisBlock,
		"checkpoint", stateDB.CurrentBlock())
	if err := sync.Run(ctx); err != nil {
		return err
	}
	root, err := stateDB.LastRootHash()
	if err != nil {
		return common.Wrap(err)
	}
	log.Infow("State restored", "block", stateDB.CurrentBlock(), "root", root)
	return nil
}
