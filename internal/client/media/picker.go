package media

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// PathPicker picks whatever Path names: a local file or an http(s) URL. The
// terminal client builds one per "/image" or "/video" command. An empty Path
// means the user cancelled.
type PathPicker struct {
	Path string
}

func (p PathPicker) Pick(ctx context.Context) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	path := strings.TrimSpace(p.Path)
	if path == "" {
		return Asset{}, ErrCancelled
	}

	if u, err := url.Parse(path); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		kind, err := KindOf(mimetype.Lookup(mimeByExtension(u.Path)))
		if err != nil {
			return Asset{}, fmt.Errorf("%s: %w", path, err)
		}
		return Asset{URI: path, Kind: kind}, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Asset{}, err
	}
	mtype, err := mimetype.DetectFile(abs)
	if err != nil {
		return Asset{}, fmt.Errorf("read %s: %w", abs, err)
	}
	kind, err := KindOf(mtype)
	if err != nil {
		return Asset{}, fmt.Errorf("%s is %s: %w", abs, mtype, err)
	}
	asset := Asset{URI: abs, Kind: kind}
	asset.Width, asset.Height = dimensions(abs)
	return asset, nil
}

func init() {
	// The builtin table has the image types but no video containers; system
	// mime.types files are not always present.
	for ext, typ := range map[string]string{
		".mp4":  "video/mp4",
		".mov":  "video/quicktime",
		".webm": "video/webm",
		".heic": "image/heic",
	} {
		if mime.TypeByExtension(ext) == "" {
			_ = mime.AddExtensionType(ext, typ)
		}
	}
}

// mimeByExtension is the bare media type registered for the extension of
// path, or "" when none is.
func mimeByExtension(path string) string {
	typ, _, err := mime.ParseMediaType(mime.TypeByExtension(filepath.Ext(path)))
	if err != nil {
		return ""
	}
	return typ
}
