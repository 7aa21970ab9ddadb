package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind classifies a failed download
type Kind string

const (
	KindInvalidURL        Kind = "invalid_url"
	KindNotXML            Kind = "not_xml"
	KindBodyTooLarge      Kind = "body_too_large"
	KindConnectionRefused Kind = "connection_refused"
	KindTimeout           Kind = "timeout"
	KindHostNotFound      Kind = "host_not_found"
	KindHTTPStatus        Kind = "http_status"
	KindNetworkError      Kind = "network_error"
	KindCircuitOpen       Kind = "circuit_open"
)

// FetchError is returned by Fetch for every failure except context
// cancellation.
type FetchError struct {
	Kind       Kind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindHTTPStatus:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. Content errors
// and an open breaker are final.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindInvalidURL, KindNotXML, KindBodyTooLarge, KindCircuitOpen:
		return false
	}
	return true
}

// IsKind reports whether err is a FetchError of the given kind
func IsKind(err error, kind Kind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

func classify(rawURL string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}

	kind := KindNetworkError
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		kind = KindHostNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindConnectionRefused
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &FetchError{Kind: kind, URL: rawURL, Err: err}
}
