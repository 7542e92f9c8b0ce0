//go:generate go run go.uber.org/mock/mockgen -source=media.go -destination=../mocks/mock_media.go -package=mocks

// Package media picks attachments and resolves them into the references
// carried by media messages. Only references travel over the wire.
package media

import (
	"context"
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hooke003/sidekick/internal/protocol"
)

var (
	// ErrCancelled is returned by a Picker when the user backed out.
	ErrCancelled    = errors.New("media selection cancelled")
	ErrUnresolvable = errors.New("media reference cannot be resolved")
	ErrUnsupported  = errors.New("unsupported media type")
)

// Asset is a picked attachment before resolution.
type Asset struct {
	URI    string
	Kind   protocol.Kind
	Width  int
	Height int
}

type Picker interface {
	Pick(ctx context.Context) (Asset, error)
}

// Resolver turns an asset into a reference the recipient can fetch. It may
// block on I/O and is never called from the delivery loop.
type Resolver interface {
	Resolve(ctx context.Context, asset Asset) (protocol.Media, error)
}

// KindOf maps a detected MIME type onto a message kind.
func KindOf(m *mimetype.MIME) (protocol.Kind, error) {
	for ; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "image/"):
			return protocol.KindImage, nil
		case strings.HasPrefix(m.String(), "video/"):
			return protocol.KindVideo, nil
		}
	}
	return "", ErrUnsupported
}
