package sourceadapter

import (
	"context"
	"testing"

	"github.com/chiral-network/downloader/pkg/dlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd2kAdapter_Supports(t *testing.T) {
	a := NewEd2kAdapter()
	assert.True(t, a.Supports("ed2k://|server|emule.example.com|4661|/"))
	assert.False(t, a.Supports("http://example.com/file.bin"))
}

func TestParseEd2kURL(t *testing.T) {
	u, err := parseEd2kURL("ed2k://|server|emule.example.com|4661|/")
	require.NoError(t, err)
	assert.Equal(t, "emule.example.com", u.host)
	assert.Equal(t, "4661", u.port)
	assert.Equal(t, "emule.example.com:4661", u.addr())
}

func TestParseEd2kURL_RejectsMalformed(t *testing.T) {
	_, err := parseEd2kURL("ed2k://|server|onlyhost|/")
	require.Error(t, err)
}

func TestParseEd2kURL_RejectsNonNumericPort(t *testing.T) {
	_, err := parseEd2kURL("ed2k://|server|host|notaport|/")
	require.Error(t, err)
}

func TestEd2kAdapter_Download_RejectsMalformedURL(t *testing.T) {
	a := NewEd2kAdapter()
	_, err := a.Download(context.Background(), "ed2k://|server|host|/", DownloadOptions{})
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindInvalidURL))
}

func TestEd2kAdapter_Download_RequiresFileRef(t *testing.T) {
	a := NewEd2kAdapter()
	_, err := a.Download(context.Background(), "ed2k://|server|host|4661|/", DownloadOptions{})
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindInvalidIdentifier))
}

func TestEd2kAdapter_Seed_NotSupported(t *testing.T) {
	a := NewEd2kAdapter()
	_, err := a.Seed(context.Background(), "/tmp/file", SeedOptions{})
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindNotSupported))
}

func TestDecodeHexHash_RejectsWrongLength(t *testing.T) {
	_, err := decodeHexHash("deadbeef")
	require.Error(t, err)
}

func TestDecodeHexHash_RoundTrip(t *testing.T) {
	hash := "0123456789abcdeffedcba9876543210"
	b, err := decodeHexHash(hash)
	require.NoError(t, err)
	assert.Len(t, b, 16)
	assert.Equal(t, byte(0x01), b[0])
	assert.Equal(t, byte(0x10), b[15])
}
