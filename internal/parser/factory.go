package parser

import (
	"bytes"

	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/pkg/config"
)

const detectWindow = 64 << 10

var (
	googleMarkers   = [][]byte{[]byte("http://base.google.com/ns/1.0"), []byte("xmlns:g=")}
	facebookMarkers = [][]byte{[]byte("http://www.facebook.com/"), []byte("https://www.facebook.com/"), []byte("xmlns:fb=")}
)

// Factory builds the parser for a feed
type Factory struct {
	maxDepth int
	maxNodes int
	extra    map[string][]string
}

// NewFactory creates a Factory. extra holds field name candidates loaded
// from the mapping file, keyed by canonical field.
func NewFactory(cfg config.ParserConfig, extra map[string][]string) *Factory {
	return &Factory{
		maxDepth: cfg.MaxDepth,
		maxNodes: cfg.MaxNodes,
		extra:    extra,
	}
}

// ForFormat returns the parser for a declared format. Unset and custom
// formats use the generic parser.
func (f *Factory) ForFormat(format model.FeedFormat) Parser {
	switch format {
	case model.FeedFormatGoogle:
		return NewGoogleParser(f.maxDepth, f.maxNodes, f.extra)
	case model.FeedFormatFacebook:
		return NewFacebookParser(f.maxDepth, f.maxNodes, f.extra)
	default:
		return NewGenericParser(f.maxDepth, f.maxNodes, f.extra)
	}
}

// Select picks the parser for a document. A declared format wins; an unset
// one is detected from content when autoDetect is on. The chosen format is
// returned alongside.
func (f *Factory) Select(format model.FeedFormat, raw []byte, autoDetect bool) (Parser, model.FeedFormat) {
	if format == model.FeedFormatUnset && autoDetect {
		format = Detect(raw)
	}
	return f.ForFormat(format), format
}

// Detect guesses the format from namespace markers near the top of the
// document. Facebook catalogs commonly reuse the Google namespace, so their
// own marker is checked first.
func Detect(raw []byte) model.FeedFormat {
	head := raw
	if len(head) > detectWindow {
		head = head[:detectWindow]
	}
	if containsAny(head, facebookMarkers) {
		return model.FeedFormatFacebook
	}
	if containsAny(head, googleMarkers) {
		return model.FeedFormatGoogle
	}
	return model.FeedFormatCustom
}

func containsAny(b []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(b, m) {
			return true
		}
	}
	return false
}
