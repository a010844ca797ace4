package prover

import (
	"context"
	"errors"
	"net/http"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/log"

	"github.com/gin-gonic/gin"
)

// DataSource gives the server the inputs of the jobs it hands out
type DataSource interface {
	GetBlocks(from, to common.BlockNum) ([]common.Block, error)
	GetProof(jobType common.ProverJobType, first, last common.BlockNum) (*common.Proof, error)
}

// Server exposes the job queue to the prover workers over HTTP
type Server struct {
	queue  *JobQueue
	data   DataSource
	engine *gin.Engine
}

// NewServer creates the prover server and sets its routes
func NewServer(queue *JobQueue, data DataSource, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		queue:  queue,
		data:   data,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.POST("/register", s.register)
	s.engine.POST("/block_to_prove", s.blockToProve)
	s.engine.POST("/working_on", s.workingOn)
	s.engine.POST("/publish", s.publish)
	s.engine.POST("/stopped", s.stopped)
	return s
}

// Handler returns the http.Handler of the server
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second, //nolint:gomnd
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("prover server: listening", "addr", addr)
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
	log.Info("prover server: shutting down")
	return common.Wrap(srv.Shutdown(shutdownCtx))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorServer{Message: err.Error()})
}

func serverError(c *gin.Context, err error) {
	if opErr, ok := common.AsOpError(err); ok {
		c.JSON(http.StatusConflict, ErrorServer{Code: opErr.Code(), Message: opErr.Message})
		return
	}
	switch {
	case errors.Is(common.Unwrap(err), ErrUnknownWorker), errors.Is(common.Unwrap(err), ErrUnknownJob):
		c.JSON(http.StatusNotFound, ErrorServer{Message: err.Error()})
	default:
		log.Errorw("prover server", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, ErrorServer{Message: err.Error()})
	}
}

func (s *Server) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.queue.Register(Worker{
		Name:           req.Name,
		BlockSize:      req.BlockSize,
		AggregatedSize: req.AggregatedSize,
	}); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) blockToProve(c *gin.Context) {
	var req BlockToProveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.queue.BlockToProve(req.Name)
	if err != nil {
		serverError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusOK, BlockToProveResponse{})
		return
	}
	data, err := s.jobData(job)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, BlockToProveResponse{Job: job, Data: data})
}

func (s *Server) jobData(job *common.ProverJob) (*JobData, error) {
	blocks, err := s.data.GetBlocks(job.FirstBlock, job.LastBlock)
	if err != nil {
		return nil, common.Wrap(err)
	}
	data := &JobData{Blocks: make([]BlockWitness, len(blocks))}
	for i := range blocks {
		data.Blocks[i] = NewBlockWitness(&blocks[i])
	}
	if job.JobType == common.ProverJobAggregated {
		for n := job.FirstBlock; n <= job.LastBlock; n++ {
			proof, err := s.data.GetProof(common.ProverJobSingleBlock, n, n)
			if err != nil {
				return nil, common.Wrap(err)
			}
			data.Proofs = append(data.Proofs, *proof)
		}
	}
	return data, nil
}

func (s *Server) workingOn(c *gin.Context) {
	var req WorkingOnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.queue.WorkingOn(req.JobID, req.Name); err != nil {
		serverError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.queue.PublishProof(req.JobID, req.Name, &req.Proof); err != nil {
		serverError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) stopped(c *gin.Context) {
	var req StoppedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.queue.WorkerStopped(req.Name); err != nil {
		serverError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
