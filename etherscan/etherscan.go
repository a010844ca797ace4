package etherscan

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"zkrollup-node/common"

	"github.com/dghubble/sling"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
	defaultRetryMax        = 3
	gweiDecimals           = 9
)

type etherscanResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Result  GasPriceEtherscan `json:"result"`
}

// GasPriceEtherscan definition
type GasPriceEtherscan struct {
	LastBlock       string `json:"LastBlock"`
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

// ProposeWei returns the proposed gas price in wei.  Etherscan gives it in
// gwei, possibly with decimals.
func (g *GasPriceEtherscan) ProposeWei() (*big.Int, error) {
	gwei, ok := new(big.Float).SetString(g.ProposeGasPrice)
	if !ok || gwei.Sign() < 0 {
		return nil, common.Wrap(fmt.Errorf("invalid gas price %q", g.ProposeGasPrice))
	}
	wei, _ := new(big.Float).Mul(gwei, big.NewFloat(1e9)).Int(nil) //nolint:gomnd
	return wei, nil
}

// Service definition
type Service struct {
	clientEtherscan *sling.Sling
	apiKey          string
}

// Client is the interface to an external gas price oracle
type Client interface {
	// Blocking.  Returns the gas price.
	GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error)
}

// NewEtherscanService is the constructor that creates an etherscanService
func NewEtherscanService(etherscanURL string, apikey string) (*Service, error) {
	if etherscanURL == "" {
		return nil, common.Wrap(fmt.Errorf("empty etherscan url"))
	}
	tr := &http.Transport{
		MaxIdleConns:       defaultMaxIdleConns,
		IdleConnTimeout:    defaultIdleConnTimeout,
		DisableCompression: true,
	}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: tr}
	retryClient.RetryMax = defaultRetryMax
	retryClient.Logger = nil
	return &Service{
		clientEtherscan: sling.New().Base(etherscanURL).Client(retryClient.StandardClient()),
		apiKey:          apikey,
	}, nil
}

type gasOracleParams struct {
	Module string `url:"module"`
	Action string `url:"action"`
	APIKey string `url:"apikey"`
}

// GetGasPrice retrieves the gas price estimation from etherscan
func (service *Service) GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error) {
	params := gasOracleParams{Module: "gastracker", Action: "gasoracle", APIKey: service.apiKey}
	req, err := service.clientEtherscan.New().Get("api").QueryStruct(&params).Request()
	if err != nil {
		return nil, common.Wrap(err)
	}
	var resBody etherscanResponse
	res, err := service.clientEtherscan.Do(req.WithContext(ctx), &resBody, nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, common.Wrap(fmt.Errorf("etherscan: http status %d", res.StatusCode))
	}
	if resBody.Status != "1" {
		return nil, common.Wrap(fmt.Errorf("etherscan: %s", resBody.Message))
	}
	return &resBody.Result, nil
}
