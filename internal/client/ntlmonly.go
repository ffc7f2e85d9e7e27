package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
)

type challengeKey struct{}

// challenge holds the last 401 seen for a request that carries the proxy's
// own credential.
type challenge struct {
	resp *http.Response
	body []byte
}

func withCredential(ctx context.Context) context.Context {
	return context.WithValue(ctx, challengeKey{}, &challenge{})
}

// ntlmOnly sits under ntlmssp.Negotiator. The negotiator falls back to
// resending the stashed Basic header when a 401 offers neither NTLM nor
// Negotiate; for requests carrying the proxy's credential that resend is
// suppressed and the preceding 401 is returned instead, so the password only
// ever leaves inside an NTLM exchange.
type ntlmOnly struct {
	next http.RoundTripper
}

func (t ntlmOnly) RoundTrip(req *http.Request) (*http.Response, error) {
	ch, guarded := req.Context().Value(challengeKey{}).(*challenge)
	if !guarded {
		return t.next.RoundTrip(req)
	}

	if isBasic(req.Header.Get("Authorization")) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return ch.replay(req), nil
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	ch.resp = resp
	ch.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (c *challenge) replay(req *http.Request) *http.Response {
	if c.resp == nil {
		return &http.Response{
			Status:     "401 Unauthorized",
			StatusCode: http.StatusUnauthorized,
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     make(http.Header),
			Body:       http.NoBody,
			Request:    req,
		}
	}
	r := *c.resp
	r.Header = c.resp.Header.Clone()
	r.Body = io.NopCloser(bytes.NewReader(c.body))
	r.ContentLength = int64(len(c.body))
	r.Request = req
	return &r
}

func isBasic(authorization string) bool {
	scheme, _, _ := strings.Cut(authorization, " ")
	return strings.EqualFold(scheme, "Basic")
}
