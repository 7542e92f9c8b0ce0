package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hooke003/sidekick/internal/protocol"
)

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestPathPicker_DetectsImage(t *testing.T) {
	req := require.New(t)
	path := writePNG(t, 4, 3)

	asset, err := PathPicker{Path: path}.Pick(context.Background())
	req.NoError(err)
	req.Equal(protocol.KindImage, asset.Kind)
	req.Equal(4, asset.Width)
	req.Equal(3, asset.Height)
}

func TestPathPicker_Cancelled(t *testing.T) {
	_, err := PathPicker{Path: "  "}.Pick(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
}

func TestPathPicker_RejectsText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("just words"), 0o600))

	_, err := PathPicker{Path: path}.Pick(context.Background())
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestPathPicker_URLByExtension(t *testing.T) {
	cases := map[string]protocol.Kind{
		"https://cdn.example.com/clip.MP4":        protocol.KindVideo,
		"https://cdn.example.com/clip.mov":        protocol.KindVideo,
		"https://cdn.example.com/cat.jpeg?w=640":  protocol.KindImage,
		"http://cdn.example.com/a/b/sticker.webp": protocol.KindImage,
	}
	for uri, kind := range cases {
		asset, err := PathPicker{Path: uri}.Pick(context.Background())
		require.NoError(t, err, uri)
		require.Equal(t, kind, asset.Kind, uri)
	}

	_, err := PathPicker{Path: "https://cdn.example.com/readme.html"}.Pick(context.Background())
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = PathPicker{Path: "https://cdn.example.com/noext"}.Pick(context.Background())
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestFileResolver_LocalFile(t *testing.T) {
	req := require.New(t)
	path := writePNG(t, 8, 6)

	media, err := NewFileResolver().Resolve(context.Background(), Asset{URI: path, Kind: protocol.KindImage})
	req.NoError(err)
	req.Equal("file://"+path, media.URI)
	req.Equal(8, media.Width)
	req.Equal(6, media.Height)
}

func TestFileResolver_Failures(t *testing.T) {
	pic := writePNG(t, 1, 1)
	cases := map[string]Asset{
		"missing file":  {URI: filepath.Join(t.TempDir(), "gone.png"), Kind: protocol.KindImage},
		"kind mismatch": {URI: pic, Kind: protocol.KindVideo},
		"empty uri":     {Kind: protocol.KindImage},
		"bad scheme":    {URI: "content://media/42", Kind: protocol.KindImage},
	}
	for name, asset := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewFileResolver().Resolve(context.Background(), asset)
			require.ErrorIs(t, err, ErrUnresolvable)
		})
	}
}

func TestFileResolver_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	r := &FileResolver{Client: srv.Client()}

	media, err := r.Resolve(context.Background(), Asset{URI: srv.URL + "/ok.jpg", Kind: protocol.KindImage, Width: 10, Height: 20})
	require.NoError(t, err)
	require.Equal(t, protocol.Media{URI: srv.URL + "/ok.jpg", Width: 10, Height: 20}, media)

	_, err = r.Resolve(context.Background(), Asset{URI: srv.URL + "/page", Kind: protocol.KindImage})
	require.ErrorIs(t, err, ErrUnresolvable)

	_, err = r.Resolve(context.Background(), Asset{URI: srv.URL + "/missing.jpg", Kind: protocol.KindImage})
	require.ErrorIs(t, err, ErrUnresolvable)
}
