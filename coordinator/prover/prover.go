package prover

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"zkrollup-node/common"

	"github.com/dghubble/sling"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
)

// BlockWitness is the data of a sealed block a worker needs to build the
// circuit witness
type BlockWitness struct {
	Number         common.BlockNum  `json:"number"`
	OldRootHash    *big.Int         `json:"oldRootHash"`
	NewRootHash    *big.Int         `json:"newRootHash"`
	FeeAccount     common.AccountID `json:"feeAccount"`
	Timestamp      uint64           `json:"timestamp"`
	BlockChunkSize int              `json:"blockChunkSize"`
	PublicData     hexutil.Bytes    `json:"publicData"`
	Commitment     ethCommon.Hash   `json:"commitment"`
}

// NewBlockWitness returns the witness of a sealed block
func NewBlockWitness(b *common.Block) BlockWitness {
	return BlockWitness{
		Number:         b.Number,
		OldRootHash:    b.OldRootHash,
		NewRootHash:    b.NewRootHash,
		FeeAccount:     b.FeeAccount,
		Timestamp:      b.Timestamp,
		BlockChunkSize: b.BlockChunkSize,
		PublicData:     b.PublicData(),
		Commitment:     b.Commitment,
	}
}

// JobData is the input of a job: the block of a single block job, or the
// blocks and their single proofs of an aggregated job
type JobData struct {
	Blocks []BlockWitness `json:"blocks"`
	Proofs []common.Proof `json:"proofs,omitempty"`
}

// RegisterRequest is the body of /register
type RegisterRequest struct {
	Name           string `json:"name"`
	BlockSize      int    `json:"blockSize"`
	AggregatedSize int    `json:"aggregatedSize"`
}

// BlockToProveRequest is the body of /block_to_prove
type BlockToProveRequest struct {
	Name string `json:"name"`
}

// BlockToProveResponse is the answer of /block_to_prove.  Job is nil when
// there is nothing to prove.
type BlockToProveResponse struct {
	Job  *common.ProverJob `json:"job"`
	Data *JobData          `json:"data,omitempty"`
}

// WorkingOnRequest is the body of /working_on
type WorkingOnRequest struct {
	JobID int64  `json:"jobId"`
	Name  string `json:"name"`
}

// PublishRequest is the body of /publish
type PublishRequest struct {
	JobID int64        `json:"jobId"`
	Name  string       `json:"name"`
	Proof common.Proof `json:"proof"`
}

// StoppedRequest is the body of /stopped
type StoppedRequest struct {
	Name string `json:"name"`
}

// ErrorServer is the return struct for an API error
type ErrorServer struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *ErrorServer) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Client is the interface a prover worker uses to talk to the job queue
type Client interface {
	Register(ctx context.Context, req RegisterRequest) error
	BlockToProve(ctx context.Context, name string) (*BlockToProveResponse, error)
	WorkingOn(ctx context.Context, jobID int64, name string) error
	Publish(ctx context.Context, req PublishRequest) error
	Stopped(ctx context.Context, name string) error
}

type apiMethod string

const (
	// GET is an HTTP GET
	GET apiMethod = "GET"
	// POST is an HTTP POST with maybe JSON body
	POST apiMethod = "POST"
)

// ProofServerClient is the HTTP client of the prover server
type ProofServerClient struct {
	URL    string
	client *sling.Sling
}

// NewProofServerClient creates a ProofServerClient for the server at URL
func NewProofServerClient(URL string, timeout time.Duration) *ProofServerClient {
	if URL[len(URL)-1] != '/' {
		URL += "/"
	}
	tr := &http.Transport{
		MaxIdleConns:       defaultMaxIdleConns,
		IdleConnTimeout:    defaultIdleConnTimeout,
		DisableCompression: true,
	}
	httpClient := &http.Client{Transport: tr, Timeout: timeout}
	return &ProofServerClient{
		URL:    URL,
		client: sling.New().Base(URL).Client(httpClient),
	}
}

func (p *ProofServerClient) apiRequest(ctx context.Context, method apiMethod, path string,
	body interface{}, ret interface{}) error {
	path = path[1:] // the base URL ends with '/'
	var req *http.Request
	var err error
	switch method {
	case GET:
		req, err = p.client.New().Get(path).Request()
	case POST:
		req, err = p.client.New().Post(path).BodyJSON(body).Request()
	default:
		return common.Wrap(fmt.Errorf("invalid http method: %v", method))
	}
	if err != nil {
		return common.Wrap(err)
	}
	var errSrv ErrorServer
	res, err := p.client.Do(req.WithContext(ctx), ret, &errSrv)
	if err != nil {
		return common.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if !(200 <= res.StatusCode && res.StatusCode < 300) {
		if errSrv.Code == common.KindProverJobStale.String() {
			return common.Wrap(common.NewOpError(common.KindProverJobStale, "%s", errSrv.Message))
		}
		return common.Wrap(&errSrv)
	}
	return nil
}

// Register registers the worker
func (p *ProofServerClient) Register(ctx context.Context, req RegisterRequest) error {
	return p.apiRequest(ctx, POST, "/register", req, nil)
}

// BlockToProve asks for a job for the worker
func (p *ProofServerClient) BlockToProve(ctx context.Context, name string) (*BlockToProveResponse, error) {
	var res BlockToProveResponse
	if err := p.apiRequest(ctx, POST, "/block_to_prove", BlockToProveRequest{Name: name}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WorkingOn sends a heartbeat of the job
func (p *ProofServerClient) WorkingOn(ctx context.Context, jobID int64, name string) error {
	return p.apiRequest(ctx, POST, "/working_on", WorkingOnRequest{JobID: jobID, Name: name}, nil)
}

// Publish sends the proof of a job
func (p *ProofServerClient) Publish(ctx context.Context, req PublishRequest) error {
	return p.apiRequest(ctx, POST, "/publish", req, nil)
}

// Stopped tells the server the worker is going away
func (p *ProofServerClient) Stopped(ctx context.Context, name string) error {
	return p.apiRequest(ctx, POST, "/stopped", StoppedRequest{Name: name}, nil)
}
