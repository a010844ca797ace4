package historydb

import (
	"zkrollup-node/common"
	"zkrollup-node/database"
	"zkrollup-node/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

// AddTokens inserts tokens into the DB, ignoring the ones already
// registered
func (hdb *HistoryDB) AddTokens(tokens []common.Token) error {
	return common.Wrap(hdb.addTokens(hdb.dbWrite, tokens))
}

func (hdb *HistoryDB) addTokens(d meddler.DB, tokens []common.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	return common.Wrap(database.BulkInsert(
		d,
		`INSERT INTO tokens (
			token_id,
			eth_block_num,
			eth_addr,
			symbol,
			decimals,
			is_nft
		) VALUES %s ON CONFLICT DO NOTHING;`,
		tokens,
	))
}

// GetToken returns a token from its id
func (hdb *HistoryDB) GetToken(tokenID common.TokenID) (*common.Token, error) {
	token := &common.Token{}
	err := meddler.QueryRow(
		hdb.dbRead, token, "SELECT * FROM tokens WHERE token_id = $1;", tokenID,
	)
	return token, common.Wrap(err)
}

// GetTokenByAddress returns a token from its L1 address
func (hdb *HistoryDB) GetTokenByAddress(addr ethCommon.Address) (*common.Token, error) {
	token := &common.Token{}
	err := meddler.QueryRow(
		hdb.dbRead, token, "SELECT * FROM tokens WHERE eth_addr = $1;", addr,
	)
	return token, common.Wrap(err)
}

// GetAllTokens returns all the registered tokens ordered by id
func (hdb *HistoryDB) GetAllTokens() ([]common.Token, error) {
	var tokens []*common.Token
	err := meddler.QueryAll(
		hdb.dbRead, &tokens,
		"SELECT * FROM tokens ORDER BY token_id;",
	)
	return database.SlicePtrsToSlice(tokens).([]common.Token), common.Wrap(err)
}

// IsTokenAcceptable returns true for the fungible tokens registered on L1.
// ETH (token 0) is always acceptable.
func (hdb *HistoryDB) IsTokenAcceptable(tokenID common.TokenID) (bool, error) {
	if tokenID == 0 {
		return true, nil
	}
	var ok bool
	err := hdb.dbRead.Get(&ok,
		"SELECT EXISTS (SELECT 1 FROM tokens WHERE token_id = $1 AND NOT is_nft);", tokenID)
	return ok, common.Wrap(err)
}

// AddAuthFacts stores the pubkey change authorizations registered on L1.  A
// later fact for the same address and nonce replaces the previous one.
func (hdb *HistoryDB) AddAuthFacts(facts []common.AuthFact) error {
	for i := range facts {
		f := &facts[i]
		if _, err := hdb.dbWrite.Exec(
			`INSERT INTO auth_facts (address, nonce, fact, eth_block_num)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address, nonce) DO UPDATE SET
				fact = EXCLUDED.fact,
				eth_block_num = EXCLUDED.eth_block_num;`,
			f.Address, f.Nonce, f.Fact, f.EthBlock,
		); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// AuthFact returns the fact registered by address for nonce
func (hdb *HistoryDB) AuthFact(address ethCommon.Address, nonce common.Nonce) (ethCommon.Hash, bool) {
	fact := &common.AuthFact{}
	err := meddler.QueryRow(
		hdb.dbRead, fact,
		"SELECT * FROM auth_facts WHERE address = $1 AND nonce = $2;", address, nonce,
	)
	if err != nil {
		if common.Unwrap(err) != database.ErrNotFound {
			log.Warnw("HistoryDB: auth fact query failed", "address", address, "err", err)
		}
		return ethCommon.Hash{}, false
	}
	return fact.Fact, true
}

// GetLastWatchedBlock returns the last L1 block processed by the watcher,
// false when the watcher has never run
func (hdb *HistoryDB) GetLastWatchedBlock() (int64, bool, error) {
	var blocks []int64
	if err := hdb.dbRead.Select(&blocks,
		"SELECT last_watched_block FROM eth_watch_state WHERE id = 1;"); err != nil {
		return 0, false, common.Wrap(err)
	}
	if len(blocks) == 0 {
		return 0, false, nil
	}
	return blocks[0], true, nil
}

// SetLastWatchedBlock records the last L1 block processed by the watcher
func (hdb *HistoryDB) SetLastWatchedBlock(block int64) error {
	_, err := hdb.dbWrite.Exec(
		`INSERT INTO eth_watch_state (id, last_watched_block) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_watched_block = EXCLUDED.last_watched_block;`,
		block,
	)
	return common.Wrap(err)
}
