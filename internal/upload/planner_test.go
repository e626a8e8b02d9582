package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChunking_SizeTiers(t *testing.T) {
	cases := []struct {
		name      string
		size      int64
		chunkSize int64
	}{
		{"250MB uses 10MB chunks", 250 * mb, 10 * mb},
		{"500MB boundary stays at 10MB", 500 * mb, 10 * mb},
		{"750MB uses 20MB chunks", 750 * mb, 20 * mb},
		{"1500MB uses 30MB chunks", 1500 * mb, 30 * mb},
		{"3000MB uses 40MB chunks", 3000 * mb, 40 * mb},
		{"5000MB uses 50MB chunks", 5000 * mb, 50 * mb},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := PlanChunking(tc.size, ModeZipNoQR)
			require.NoError(t, err)
			assert.True(t, plan.Chunked)
			assert.Equal(t, tc.chunkSize, plan.ChunkSize)
		})
	}
}

func TestPlanChunking_CoversExactByteRange(t *testing.T) {
	sizes := []int64{
		TransportCeiling + 1,
		250 * mb,
		250*mb + 1,
		999 * mb,
		4096*mb + 12345,
	}
	for _, size := range sizes {
		plan, err := PlanChunking(size, ModeZipNoQR)
		require.NoError(t, err)
		require.True(t, plan.Chunked)
		assert.Less(t, plan.ChunkSize*int64(plan.ChunkCount-1), size)
		assert.GreaterOrEqual(t, plan.ChunkSize*int64(plan.ChunkCount), size)
	}
}

func TestPlanChunking_ZipWithQRAlwaysChunks(t *testing.T) {
	plan, err := PlanChunking(3*mb, ModeZipWithQR)
	require.NoError(t, err)
	assert.True(t, plan.Chunked)
	assert.Equal(t, int64(5*mb), plan.ChunkSize)
	assert.Equal(t, 1, plan.ChunkCount)

	plan, err = PlanChunking(80*mb, ModeZipWithQR)
	require.NoError(t, err)
	assert.True(t, plan.Chunked)
	assert.Equal(t, 16, plan.ChunkCount)
}

func TestPlanChunking_SmallFilesStayDirect(t *testing.T) {
	for _, mode := range []Mode{ModeZipNoQR, ModeImages} {
		plan, err := PlanChunking(50*mb, mode)
		require.NoError(t, err)
		assert.False(t, plan.Chunked)
		assert.Equal(t, 1, plan.ChunkCount)
	}
}

func TestPlanChunking_RejectsInvalidSizes(t *testing.T) {
	_, err := PlanChunking(0, ModeZipWithQR)
	require.Error(t, err)
	_, err = PlanChunking(-5, ModeImages)
	require.Error(t, err)
}

func TestPlanChunking_ScenarioA(t *testing.T) {
	plan, err := PlanChunking(250*mb, ModeZipWithQR)
	require.NoError(t, err)
	assert.True(t, plan.Chunked)
	assert.Equal(t, int64(10*mb), plan.ChunkSize)
	assert.Equal(t, 25, plan.ChunkCount)
}
