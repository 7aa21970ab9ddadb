package parser

import (
	"fmt"

	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/internal/normalizer"
)

// Parser turns a raw feed document into raw products and campaigns. Zero
// products is a valid result; malformed documents yield a *ParseError.
type Parser interface {
	Parse(raw []byte) (*Result, error)
}

// Result is the output of one Parse call
type Result struct {
	Products  []model.RawProduct
	Campaigns []model.Campaign
	Metadata  Metadata
}

// Metadata describes how a document was read
type Metadata struct {
	Format        model.FeedFormat      `json:"format"`
	Parser        string                `json:"parser"`
	ContainerPath string                `json:"containerPath,omitempty"`
	ItemCount     int                   `json:"itemCount"`
	FeedTitle     string                `json:"feedTitle,omitempty"`
	FeedLink      string                `json:"feedLink,omitempty"`
	IDStrategy    normalizer.IDStrategy `json:"idStrategy"`
	Warnings      []string              `json:"warnings,omitempty"`
}

// ParseError reports a document that could not be read as XML
type ParseError struct {
	Parser string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s parser: malformed feed: %v", e.Parser, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
