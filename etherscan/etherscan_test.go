package etherscan

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetGasPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api", r.URL.Path)
		assert.Equal(t, "gastracker", r.URL.Query().Get("module"))
		assert.Equal(t, "gasoracle", r.URL.Query().Get("action"))
		if r.URL.Query().Get("apikey") != "key" {
			fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":{}}`)
			return
		}
		fmt.Fprint(w, `{"status":"1","message":"OK","result":{"LastBlock":"100",
			"SafeGasPrice":"10","ProposeGasPrice":"12.5","FastGasPrice":"15"}}`)
	}))
	defer srv.Close()

	service, err := NewEtherscanService(srv.URL+"/", "key")
	require.NoError(t, err)
	price, err := service.GetGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12.5", price.ProposeGasPrice)
	wei, err := price.ProposeWei()
	require.NoError(t, err)
	assert.Equal(t, 0, big.NewInt(12_500_000_000).Cmp(wei))

	service, err = NewEtherscanService(srv.URL+"/", "wrong")
	require.NoError(t, err)
	_, err = service.GetGasPrice(context.Background())
	assert.Error(t, err)
}

func TestProposeWeiInvalid(t *testing.T) {
	_, err := (&GasPriceEtherscan{ProposeGasPrice: "fast"}).ProposeWei()
	assert.Error(t, err)
}
