package media

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hooke003/sidekick/internal/protocol"
)

// FileResolver resolves local files and http(s) URLs.
type FileResolver struct {
	Client *http.Client
}

func NewFileResolver() *FileResolver {
	return &FileResolver{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (r *FileResolver) Resolve(ctx context.Context, asset Asset) (protocol.Media, error) {
	if asset.URI == "" {
		return protocol.Media{}, fmt.Errorf("empty uri: %w", ErrUnresolvable)
	}
	u, err := url.Parse(asset.URI)
	if err != nil {
		return protocol.Media{}, fmt.Errorf("%s: %w", err, ErrUnresolvable)
	}
	switch u.Scheme {
	case "http", "https":
		return r.resolveRemote(ctx, asset)
	case "", "file":
		path := asset.URI
		if u.Scheme == "file" {
			path = u.Path
		}
		return resolveFile(path, asset)
	}
	return protocol.Media{}, fmt.Errorf("scheme %q: %w", u.Scheme, ErrUnresolvable)
}

func resolveFile(path string, asset Asset) (protocol.Media, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return protocol.Media{}, fmt.Errorf("%s: %w", path, ErrUnresolvable)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return protocol.Media{}, fmt.Errorf("%s is not a readable file: %w", abs, ErrUnresolvable)
	}

	mtype, err := mimetype.DetectFile(abs)
	if err != nil {
		return protocol.Media{}, fmt.Errorf("sniff %s: %w", abs, ErrUnresolvable)
	}
	kind, err := KindOf(mtype)
	if err != nil || kind != asset.Kind {
		return protocol.Media{}, fmt.Errorf("%s is %s, want %s: %w", abs, mtype, asset.Kind, ErrUnresolvable)
	}

	media := protocol.Media{URI: (&url.URL{Scheme: "file", Path: abs}).String(), Width: asset.Width, Height: asset.Height}
	if media.Width == 0 && media.Height == 0 {
		media.Width, media.Height = dimensions(abs)
	}
	return media, nil
}

func (r *FileResolver) resolveRemote(ctx context.Context, asset Asset) (protocol.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, asset.URI, nil)
	if err != nil {
		return protocol.Media{}, fmt.Errorf("%s: %w", err, ErrUnresolvable)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return protocol.Media{}, fmt.Errorf("%s: %w", err, ErrUnresolvable)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocol.Media{}, fmt.Errorf("%s: %s: %w", asset.URI, resp.Status, ErrUnresolvable)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err == nil && mediaType != "application/octet-stream" && !strings.HasPrefix(mediaType, string(asset.Kind)+"/") {
			return protocol.Media{}, fmt.Errorf("%s is %s, want %s: %w", asset.URI, mediaType, asset.Kind, ErrUnresolvable)
		}
	}
	return protocol.Media{URI: asset.URI, Width: asset.Width, Height: asset.Height}, nil
}

// dimensions reads the header of an image file. Videos report zero.
func dimensions(path string) (int, int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
