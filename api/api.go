/*
Package api exposes the tx intake of the node and a few read only views of
its history over HTTP.

	POST /v1/txs                 submit a single tx
	POST /v1/batches             submit a batch of txs
	GET  /v1/blocks/:number      a sealed block
	GET  /v1/txs/:hash           the executions of a tx
	GET  /v1/priority-ops/:id    an executed priority op
	GET  /v1/pending-block       the block under construction

Admission errors are answered with status 409 and the stable code of the
error kind so that clients can tell a bad nonce from a bad signature.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/database"
	"zkrollup-node/database/historydb"
	"zkrollup-node/log"
	"zkrollup-node/mempool"
	"zkrollup-node/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// TxPool admits the submitted txs
type TxPool interface {
	AddTx(stx *common.SignedTx) error
	AddBatch(batch *common.TxBatch) error
}

// Queries are the history views, implemented by the historydb
type Queries interface {
	GetBlockAPI(number common.BlockNum) (*common.Block, error)
	GetExecutedTxAPI(hash ethCommon.Hash) ([]historydb.ExecutedTxRow, error)
	GetPriorityOpAPI(serialID uint64) (*historydb.ExecutedPriorityOpRow, error)
	GetPendingBlockAPI() (*common.PendingBlock, error)
}

// ErrorResponse is the body of the failed requests
type ErrorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SubmitResponse is the body of an accepted tx or batch
type SubmitResponse struct {
	Hashes []ethCommon.Hash `json:"hashes"`
}

// API is the HTTP API of the node
type API struct {
	pool    TxPool
	queries Queries
	engine  *gin.Engine
}

// NewAPI creates the API and sets its routes
func NewAPI(pool TxPool, queries Queries, debug bool) *API {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	a := &API{
		pool:    pool,
		queries: queries,
		engine:  gin.New(),
	}
	a.engine.Use(gin.Recovery(), measure)
	v1 := a.engine.Group("/v1")
	v1.POST("/txs", a.postTx)
	v1.POST("/batches", a.postBatch)
	v1.GET("/blocks/:number", a.getBlock)
	v1.GET("/txs/:hash", a.getTx)
	v1.GET("/priority-ops/:id", a.getPriorityOp)
	v1.GET("/pending-block", a.getPendingBlock)
	return a
}

// Handler returns the http.Handler of the API
func (a *API) Handler() http.Handler {
	return a.engine
}

// Run serves on addr until ctx is done
func (a *API) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second, //nolint:gomnd
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("api: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return common.Wrap(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:gomnd
	defer cancel()
	log.Info("api: shutting down")
	return common.Wrap(srv.Shutdown(shutdownCtx))
}

func measure(c *gin.Context) {
	start := time.Now()
	c.Next()
	metric.MeasureDuration(metric.APIRequestDuration, start, c.FullPath(),
		strconv.Itoa(c.Writer.Status()))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
}

func retError(c *gin.Context, err error) {
	if opErr, ok := common.AsOpError(err); ok {
		c.JSON(http.StatusConflict, ErrorResponse{Code: opErr.Code(), Message: opErr.Message})
		return
	}
	switch cause := common.Unwrap(err); {
	case errors.Is(cause, mempool.ErrTxAlreadyKnown):
		c.JSON(http.StatusConflict, ErrorResponse{Code: "ALREADY_KNOWN", Message: err.Error()})
	case errors.Is(cause, database.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "not found"})
	case errors.Is(cause, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: "too many requests"})
	default:
		log.Errorw("api", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
}

func (a *API) postTx(c *gin.Context) {
	var stx common.SignedTx
	if err := c.ShouldBindJSON(&stx); err != nil {
		badRequest(c, err)
		return
	}
	if err := a.pool.AddTx(&stx); err != nil {
		retError(c, err)
		return
	}
	c.JSON(http.StatusOK, SubmitResponse{Hashes: []ethCommon.Hash{stx.Hash()}})
}

func (a *API) postBatch(c *gin.Context) {
	var batch common.TxBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		badRequest(c, err)
		return
	}
	if err := a.pool.AddBatch(&batch); err != nil {
		retError(c, err)
		return
	}
	hashes := make([]ethCommon.Hash, len(batch.Txs))
	for i := range batch.Txs {
		hashes[i] = batch.Txs[i].Hash()
	}
	c.JSON(http.StatusOK, SubmitResponse{Hashes: hashes})
}

func (a *API) getBlock(c *gin.Context) {
	number, err := strconv.ParseUint(c.Param("number"), 10, 32)
	if err != nil {
		badRequest(c, err)
		return
	}
	block, err := a.queries.GetBlockAPI(common.BlockNum(number))
	if err != nil {
		retError(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

func (a *API) getTx(c *gin.Context) {
	var hash ethCommon.Hash
	if err := hash.UnmarshalText([]byte(c.Param("hash"))); err != nil {
		badRequest(c, err)
		return
	}
	rows, err := a.queries.GetExecutedTxAPI(hash)
	if err != nil {
		retError(c, err)
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "not found"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *API) getPriorityOp(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	row, err := a.queries.GetPriorityOpAPI(id)
	if err != nil {
		retError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (a *API) getPendingBlock(c *gin.Context) {
	pb, err := a.queries.GetPendingBlockAPI()
	if err != nil {
		retError(c, err)
		return
	}
	if pb == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "no pending block"})
		return
	}
	c.JSON(http.StatusOK, pb)
}
