package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init("debug", []string{"stdout"})
	os.Exit(m.Run())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitOther, ExitCode(errors.New("bad config")))

	divergence := common.Wrap(fmt.Errorf("Validator: %w",
		common.Wrap(common.NewRootDivergence(7))))
	assert.Equal(t, ExitRootDivergence, ExitCode(divergence))

	transient := common.Wrap(common.NewOpError(common.KindL1Transient, "retry budget exhausted"))
	assert.Equal(t, ExitL1, ExitCode(transient))
	permanent := common.NewOpError(common.KindL1Permanent, "prove tx reverted")
	assert.Equal(t, ExitL1, ExitCode(permanent))

	db := common.Wrap(fmt.Errorf("StateKeeper: %w",
		common.NewOpError(common.KindDatabase, "connection lost")))
	assert.Equal(t, ExitDatabase, ExitCode(db))

	assert.Equal(t, ExitOther, ExitCode(common.NewOpError(common.KindNonceMismatch, "nonce")))
}

func TestTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failed := task(ctx, "Watcher", func(ctx context.Context) error {
		return common.NewOpError(common.KindL1Transient, "down")
	})
	err := failed()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Watcher")
	assert.Equal(t, ExitL1, ExitCode(err))

	clean := task(ctx, "Mempool", func(ctx context.Context) error { return nil })
	assert.NoError(t, clean())

	// an error after the stop signal is part of the shutdown
	cancel()
	stopping := task(ctx, "Keeper", func(ctx context.Context) error { return ctx.Err() })
	assert.NoError(t, stopping())
}

func TestServeMetricsShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeMetrics(ctx, "127.0.0.1:0")
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
