package sourceadapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chiral-network/downloader/pkg/dlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAdapter_Supports(t *testing.T) {
	a := NewHTTPAdapter()
	assert.True(t, a.Supports("https://example.com/file.bin"))
	assert.True(t, a.Supports("http://example.com/file.bin"))
	assert.False(t, a.Supports("ftp://example.com/file.bin"))
}

func TestParseETag_WeakIsTreatedAsAbsent(t *testing.T) {
	etag, strong := parseETag(`W/"abc123"`)
	assert.Empty(t, etag)
	assert.False(t, strong)
}

func TestParseETag_StrongIsReturned(t *testing.T) {
	etag, strong := parseETag(`"abc123"`)
	assert.Equal(t, `"abc123"`, etag)
	assert.True(t, strong)
}

func TestParseContentRangeTotal(t *testing.T) {
	total, err := parseContentRangeTotal("bytes 0-0/12345")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), total)

	_, err = parseContentRangeTotal("bytes 0-0/*")
	require.Error(t, err)
}

func TestHTTPAdapter_Download_FullFile(t *testing.T) {
	const body = "hello world, this is the file body"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	a := NewHTTPAdapter()
	dest := filepath.Join(t.TempDir(), "out.bin")

	h, err := a.Download(context.Background(), srv.URL, DownloadOptions{Destination: dest})
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	p, err := a.Progress(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, p.State)
}

func TestHTTPAdapter_Download_ResumeRejectsPlainTwoHundred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("abcde"))
	}))
	defer srv.Close()

	a := NewHTTPAdapter()
	dest := filepath.Join(t.TempDir(), "out.bin")
	os.WriteFile(dest, []byte("xxxxx"), 0o644)

	h, err := a.Download(context.Background(), srv.URL, DownloadOptions{Destination: dest, RangeStart: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waitErr := h.Wait(ctx)
	require.Error(t, waitErr)
	assert.True(t, dlerr.Is(waitErr, dlerr.KindRangeUnsupported))
}

func TestHTTPAdapter_Download_416TriggersRangeUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	a := NewHTTPAdapter()
	dest := filepath.Join(t.TempDir(), "out.bin")

	h, err := a.Download(context.Background(), srv.URL, DownloadOptions{Destination: dest, RangeStart: 100})
	require.NoError(t, err)

	waitErr := h.Wait(context.Background())
	require.Error(t, waitErr)
	assert.True(t, dlerr.Is(waitErr, dlerr.KindRangeUnsupported))
}

func TestHTTPAdapter_ProbeValidator_WeakEtagReportedAsNotStrong(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Header().Set("ETag", `W/"v1"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewHTTPAdapter()
	info, err := a.ProbeValidator(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, info.StrongEtag)
	assert.Empty(t, info.Etag)
	assert.Equal(t, int64(5), info.Size)
}

func TestHTTPAdapter_ProbeValidator_StrongEtagReturnedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewHTTPAdapter()
	info, err := a.ProbeValidator(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, info.StrongEtag)
	assert.Equal(t, `"v2"`, info.Etag)
}

func TestHTTPAdapter_Seed_NotSupported(t *testing.T) {
	a := NewHTTPAdapter()
	_, err := a.Seed(context.Background(), "/tmp/file", SeedOptions{})
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindNotSupported))
}

func TestHTTPAdapter_Progress_UnknownIdentifier(t *testing.T) {
	a := NewHTTPAdapter()
	_, err := a.Progress("https://nope.example/file")
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindDownloadNotFound))
}
