package service

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"ntlm-proxy-go/internal/model"
)

// neverDuplicated are request headers that describe the inbound hop or the
// inbound body framing and must not be copied upstream.
var neverDuplicated = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Content-Type":        true,
	"Content-Encoding":    true,
}

// TranslateOptions are the header and body policies applied to every request.
type TranslateOptions struct {
	Upstream                *url.URL
	RequestHeaders          map[string]string
	DuplicateRequestHeaders bool
	ExcludedHeaders         map[string]bool // canonical header names
	StripCharset            bool
	// InboundAuth is true when the proxy itself negotiates NTLM with its
	// caller; the caller's Authorization header then belongs to that hop.
	InboundAuth bool
}

// NewExcludedSet builds the case-insensitive excluded-header set.
func NewExcludedSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(strings.TrimSpace(n))] = true
	}
	return set
}

// HeaderResult records whether an inbound header was duplicated.
type HeaderResult struct {
	Name   string
	Added  bool
	Reason string
}

// Translate builds the upstream request for an inbound one. Header
// duplication is best effort: a header that cannot be carried is reported in
// the returned results and skipped.
func Translate(in *model.InboundRequest, opts TranslateOptions) (*model.OutboundRequest, []HeaderResult) {
	out := &model.OutboundRequest{
		Method: in.Method,
		URL:    targetURL(opts.Upstream, in.Path, in.RawQuery),
		Header: make(http.Header),
	}

	if len(in.Body) > 0 {
		out.Body = in.Body
		out.ContentType = in.ContentType
		if opts.StripCharset {
			out.ContentType = stripCharset(out.ContentType)
		}
		if in.ContentEncoding != "" {
			out.Header.Set("Content-Encoding", in.ContentEncoding)
		}
	}

	var results []HeaderResult
	if opts.DuplicateRequestHeaders {
		for name, values := range in.Header {
			results = append(results, duplicateHeader(out.Header, name, values, opts))
		}
	}

	// Injected headers override anything duplicated under the same name.
	for name, value := range opts.RequestHeaders {
		out.Header.Set(name, value)
	}

	return out, results
}

func duplicateHeader(dst http.Header, name string, values []string, opts TranslateOptions) HeaderResult {
	key := http.CanonicalHeaderKey(name)
	r := HeaderResult{Name: key}

	switch {
	case opts.ExcludedHeaders[key]:
		r.Reason = "excluded"
		return r
	case neverDuplicated[key]:
		r.Reason = "hop-by-hop"
		return r
	case key == "Authorization" && opts.InboundAuth:
		r.Reason = "inbound authentication"
		return r
	case !httpguts.ValidHeaderFieldName(name):
		r.Reason = "invalid name"
		return r
	}

	for _, v := range values {
		if !httpguts.ValidHeaderFieldValue(v) {
			r.Reason = "invalid value"
			continue
		}
		dst.Add(key, v)
		r.Added = true
	}
	return r
}

// targetURL appends the escaped inbound path and query to the upstream base.
// The upstream's own query is dropped.
func targetURL(base *url.URL, escapedPath, rawQuery string) *url.URL {
	u := *base
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = rawQuery

	if escapedPath == "" {
		escapedPath = "/"
	}
	joined := strings.TrimSuffix(base.EscapedPath(), "/") + escapedPath
	if p, err := url.PathUnescape(joined); err == nil {
		u.Path = p
		u.RawPath = joined
	} else {
		u.Path = joined
		u.RawPath = ""
	}
	return &u
}

// stripCharset removes any charset parameter from a media type while keeping
// the other parameters in order.
func stripCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	parts := strings.Split(contentType, ";")
	kept := []string{parts[0]}
	for _, p := range parts[1:] {
		name, _, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(strings.TrimSpace(name), "charset") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.TrimSpace(strings.Join(kept, ";"))
}
