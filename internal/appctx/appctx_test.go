package appctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chalabi2/evm-chain-exporter/internal/config"
)

func TestBuild_StartsOneWorkerPerSpec(t *testing.T) {
	settings := config.Settings{
		MaxFailureBackoff:      16 * time.Second,
		ReadinessStaleThreshold: 300 * time.Second,
		PollDefaultInterval:    5 * time.Minute,
	}
	specs := []config.ChainSpec{
		{Name: "a", RPCURL: "http://127.0.0.1:1", PollInterval: time.Hour},
	}

	ctx, err := Build(settings, specs, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ctx.Shutdown()

	require.Contains(t, ctx.Manager.States(), "a")
	require.False(t, ctx.Evaluator.Ready(), "no poll tick has completed yet")
}

func TestSingleton_SetCurrentReset(t *testing.T) {
	defer Reset()

	require.Nil(t, Current())

	settings := config.Settings{MaxFailureBackoff: time.Second, ReadinessStaleThreshold: time.Second}
	ctx, err := Build(settings, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ctx.Shutdown()

	Set(ctx)
	require.Same(t, ctx, Current())

	Reset()
	require.Nil(t, Current())
}
