package chunkplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_Invariants(t *testing.T) {
	cases := []struct {
		name      string
		fileSize  int64
		chunkSize int64
		wantLast  int64
		wantCount int
	}{
		{"exact multiple", 1024 * 1024, 256 * 1024, 256 * 1024, 4},
		{"short last chunk", 1024*1024 + 1, 256 * 1024, 1, 5},
		{"single small file", 100, 256 * 1024, 100, 1},
		{"default chunk size", 600 * 1024, 0, 600*1024 - 2*DefaultChunkSize, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Build(tc.fileSize, tc.chunkSize)
			require.NoError(t, err)
			require.NoError(t, p.Validate())
			assert.Equal(t, tc.wantCount, p.TotalChunks())
			assert.Equal(t, tc.wantLast, p.Chunks[len(p.Chunks)-1].Size)

			var sum int64
			for i, c := range p.Chunks {
				assert.Equal(t, i, c.ID)
				sum += c.Size
			}
			assert.Equal(t, tc.fileSize, sum)
		})
	}
}

func TestBuild_ZeroByteFile(t *testing.T) {
	p, err := Build(0, 0)
	require.NoError(t, err)
	require.Len(t, p.Chunks, 1)
	assert.Equal(t, int64(0), p.Chunks[0].Size)
	assert.Equal(t, int64(0), p.Chunks[0].Offset)
}

func TestBuild_NegativeSizeRejected(t *testing.T) {
	_, err := Build(-1, 0)
	assert.Error(t, err)
}

func TestByteRange(t *testing.T) {
	p, err := Build(1024*1024+1, 256*1024)
	require.NoError(t, err)

	start, end, ok := p.ByteRange(0)
	require.True(t, ok)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(256*1024), end)

	_, _, ok = p.ByteRange(len(p.Chunks))
	assert.False(t, ok)
}
