/*
Package kvdb is a pebble key-value store with one checkpoint per sealed
block.

	<path>/current      the working store, written between two blocks
	<path>/last         a read only copy of the last checkpoint
	<path>/BlockNum<N>  the checkpoint of block N

The checkpoints are contiguous.  Reset reopens any retained checkpoint as
the working store and drops the later ones.
*/
package kvdb

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"zkrollup-node/common"
	"zkrollup-node/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// PathBlockNum is the prefix of the checkpoint directories
	PathBlockNum = "BlockNum"
	// PathCurrent is the directory of the working store
	PathCurrent = "current"
	// PathLast is the directory of the copy of the last checkpoint
	PathLast = "last"
	// DefaultKeep is the default value for the Keep parameter
	DefaultKeep = 128
)

var (
	// KeyCurrentBlock is used as key in the db to store the current BlockNum
	KeyCurrentBlock = []byte("k:currentblock")
	// ErrNoLast is returned when the KVDB has been configured to not have
	// a Last checkpoint but a Last method is used
	ErrNoLast = fmt.Errorf("no last checkpoint")
)

// Config of the KVDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoGapsCheck skips the contiguity check when listing checkpoints
	NoGapsCheck bool
	// NoLast skips having an opened DB with a checkpoint to the last
	// block for thread-safe reads.
	NoLast bool
}

// KVDB is the checkpointed store
type KVDB struct {
	cfg Config
	db  *pebble.Storage
	// CurrentBlock is the last block with a checkpoint, 0 before the first
	CurrentBlock common.BlockNum

	mutexCheckpoint sync.Mutex
	mutexDelOld     sync.Mutex
	wg              sync.WaitGroup
	last            *Last
}

// Last is a consistent view of the last checkpoint that can be queried
// while the working store is written
type Last struct {
	db   *pebble.Storage
	path string
	rw   sync.RWMutex
}

// reopen replaces the last view with a copy of the checkpoint at source, or
// with an empty store when source is empty
func (l *Last) reopen(k *KVDB, source string) error {
	l.rw.Lock()
	defer l.rw.Unlock()
	l.closeDB()
	dest := path.Join(l.path, PathLast)
	if source == "" {
		if err := os.RemoveAll(dest); err != nil {
			return common.Wrap(err)
		}
	} else if err := k.copyCheckpoint(source, dest); err != nil {
		return err
	}
	sto, err := pebble.NewPebbleStorage(dest, false)
	if err != nil {
		return common.Wrap(err)
	}
	l.db = sto
	return nil
}

func (l *Last) closeDB() {
	if l.db != nil {
		l.db.Close()
		l.db = nil
	}
}

// NewKVDB opens the KVDB at cfg.Path, restoring the working store from the
// checkpoint of its current block
func NewKVDB(cfg Config) (*KVDB, error) {
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil { //nolint:gomnd
		return nil, common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(path.Join(cfg.Path, PathCurrent), false)
	if err != nil {
		return nil, common.Wrap(err)
	}
	k := &KVDB{cfg: cfg, db: sto}
	if !cfg.NoLast {
		k.last = &Last{path: cfg.Path}
	}
	current, err := k.GetCurrentBlock()
	if err != nil {
		return nil, err
	}
	if err := k.Reset(current); err != nil {
		return nil, err
	}
	return k, nil
}

// LastRead is a thread-safe method to query the last checkpoint of the KVDB
func (k *KVDB) LastRead(fn func(db *pebble.Storage) error) error {
	if k.last == nil {
		return common.Wrap(ErrNoLast)
	}
	k.last.rw.RLock()
	defer k.last.rw.RUnlock()
	return fn(k.last.db)
}

// DB returns the working store
func (k *KVDB) DB() *pebble.Storage {
	return k.db
}

// StorageWithPrefix returns the working store restricted to prefix
func (k *KVDB) StorageWithPrefix(prefix []byte) db.Storage {
	return k.db.WithPrefix(prefix)
}

// Reset reopens the working store at the checkpoint of blockNum and deletes
// the checkpoints of later blocks.  Block 0 is the empty store.
func (k *KVDB) Reset(blockNum common.BlockNum) error {
	currentPath := path.Join(k.cfg.Path, PathCurrent)
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	if err := os.RemoveAll(currentPath); err != nil {
		return common.Wrap(err)
	}
	list, err := k.ListCheckpoints()
	if err != nil {
		return err
	}
	for _, bn := range list {
		if common.BlockNum(bn) <= blockNum {
			continue
		}
		if err := os.RemoveAll(k.checkpointPath(common.BlockNum(bn))); err != nil {
			return common.Wrap(err)
		}
	}

	source := ""
	if blockNum > 0 {
		source = k.checkpointPath(blockNum)
		if err := k.copyCheckpoint(source, currentPath); err != nil {
			return err
		}
	}
	if k.last != nil {
		if err := k.last.reopen(k, source); err != nil {
			return err
		}
	}
	sto, err := pebble.NewPebbleStorage(currentPath, false)
	if err != nil {
		return common.Wrap(err)
	}
	k.db = sto
	if blockNum == 0 {
		k.CurrentBlock = 0
		return nil
	}
	k.CurrentBlock, err = k.GetCurrentBlock()
	return err
}

// GetCurrentBlock returns the current BlockNum stored in the working store
func (k *KVDB) GetCurrentBlock() (common.BlockNum, error) {
	cbBytes, err := k.db.Get(KeyCurrentBlock)
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, common.Wrap(err)
	}
	return common.BlockNumFromBytes(cbBytes)
}

// ListCheckpoints returns the block numbers of the checkpoints, sorted.
// Unless NoGapsCheck is set a gap between checkpoints is an error.
func (k *KVDB) ListCheckpoints() ([]int, error) {
	entries, err := os.ReadDir(k.cfg.Path)
	if err != nil {
		return nil, common.Wrap(err)
	}
	checkpoints := []int{}
	pattern := PathBlockNum + "%d"
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), PathBlockNum) {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(entry.Name(), pattern, &n); err != nil {
			return nil, common.Wrap(err)
		}
		checkpoints = append(checkpoints, n)
	}
	sort.Ints(checkpoints)
	if k.cfg.NoGapsCheck {
		return checkpoints, nil
	}
	for i := 1; i < len(checkpoints); i++ {
		if checkpoints[i] != checkpoints[i-1]+1 {
			log.Errorw("gap between checkpoints", "checkpoints", checkpoints)
			return nil, common.Wrap(fmt.Errorf("checkpoint gap at %v", checkpoints[i]))
		}
	}
	return checkpoints, nil
}

func (k *KVDB) checkpointPath(blockNum common.BlockNum) string {
	return path.Join(k.cfg.Path, fmt.Sprintf("%s%d", PathBlockNum, blockNum))
}

// copyCheckpoint replaces dest with a pebble checkpoint of the store at
// source
func (k *KVDB) copyCheckpoint(source, dest string) error {
	if _, err := os.Stat(source); err != nil {
		return common.Wrap(fmt.Errorf("checkpoint %q: %w", source, err))
	}
	k.mutexCheckpoint.Lock()
	defer k.mutexCheckpoint.Unlock()
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(source, false)
	if err != nil {
		return common.Wrap(err)
	}
	defer sto.Close()
	return common.Wrap(sto.Pebble().Checkpoint(dest))
}

// Checkpoint records blockNum as the current block of the working store and
// stores a checkpoint of it.  blockNum must follow the current block.  The
// checkpoints beyond Keep are deleted in the background.
func (k *KVDB) Checkpoint(blockNum common.BlockNum) error {
	if blockNum != k.CurrentBlock+1 {
		return common.Wrap(fmt.Errorf("checkpoint of block %d, current block %d",
			blockNum, k.CurrentBlock))
	}
	tx, err := k.db.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(KeyCurrentBlock, blockNum.Bytes()); err != nil {
		return common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return common.Wrap(err)
	}
	dest := k.checkpointPath(blockNum)
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	if err := k.db.Pebble().Checkpoint(dest); err != nil {
		return common.Wrap(err)
	}
	k.CurrentBlock = blockNum
	if k.last != nil {
		if err := k.last.reopen(k, dest); err != nil {
			return err
		}
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := k.DeleteOldCheckpoints(); err != nil {
			log.Errorw("delete old checkpoints failed", "err", err)
		}
	}()
	return nil
}

// DeleteOldCheckpoints deletes the oldest checkpoints when there are more
// than Keep
func (k *KVDB) DeleteOldCheckpoints() error {
	k.mutexDelOld.Lock()
	defer k.mutexDelOld.Unlock()

	list, err := k.ListCheckpoints()
	if err != nil {
		return err
	}
	if k.cfg.Keep <= 0 || len(list) <= k.cfg.Keep {
		return nil
	}
	for _, bn := range list[:len(list)-k.cfg.Keep] {
		if err := os.RemoveAll(k.checkpointPath(common.BlockNum(bn))); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// Close waits for the pending checkpoint deletions and closes the stores
func (k *KVDB) Close() {
	k.wg.Wait()
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	if k.last != nil {
		k.last.rw.Lock()
		k.last.closeDB()
		k.last.rw.Unlock()
	}
}
