package warehouse_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kazantaxi/dwh/pkg/warehouse"
)

func TestBatchLog_DefaultsToEpoch(t *testing.T) {
	pool := testPool(t)
	batchLog := warehouse.NewBatchLog(testLogger(), pool)

	watermark, err := batchLog.LastSuccessful(t.Context())
	require.NoError(t, err)
	require.True(t, watermark.Equal(warehouse.Epoch))
}

func TestBatchLog_OnlySuccessAdvancesWatermark(t *testing.T) {
	pool := testPool(t)
	batchLog := warehouse.NewBatchLog(testLogger(), pool)
	ctx := t.Context()

	require.NoError(t, batchLog.Record(ctx, dt(1, 10), warehouse.RunSuccess))
	require.NoError(t, batchLog.Record(ctx, dt(2, 10), warehouse.RunFailure))

	watermark, err := batchLog.LastSuccessful(ctx)
	require.NoError(t, err)
	require.True(t, watermark.Equal(dt(1, 10)), "failed run must not advance the watermark")

	require.NoError(t, batchLog.Record(ctx, dt(3, 10), warehouse.RunSuccess))
	watermark, err = batchLog.LastSuccessful(ctx)
	require.NoError(t, err)
	require.True(t, watermark.Equal(dt(3, 10)))
}
