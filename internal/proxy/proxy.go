// Package proxy implements the HTTP Proxy Core (C4): a streaming reverse
// proxy generalizing the teacher's httputil.ReverseProxy Rewrite/
// ModifyResponse/ErrorHandler trio (process.go) into a kind-aware version
// that never buffers a response body in memory.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llama-nexus/llama-nexus/internal/gwerror"
	"github.com/llama-nexus/llama-nexus/internal/registry"
)

// hopByHopHeaders are stripped in both directions, per §4.4.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
	"Proxy-Authenticate", "Proxy-Authorization", "Proxy-Connection",
}

const (
	connectTimeout   = 10 * time.Second
	firstByteTimeout = 30 * time.Second
)

// Proxy is C4.
type Proxy struct {
	log *zap.Logger
	// OnResponse, if set, is called by Forward after each response body
	// (streaming or not) has been fully forwarded, so C8/A4 can observe the
	// outcome without the proxy itself depending on memory/metrics. Do never
	// calls it.
	OnResponse func(backend *registry.Backend, status int, elapsed time.Duration)
}

func New(log *zap.Logger) *Proxy {
	return &Proxy{log: log}
}

// Forward translates r into a request against backend.BaseURL+suffix,
// streams it through, and writes the response to w. It never buffers an
// upstream body: SSE frames are copied chunk-by-chunk with a flush at every
// boundary (Streaming contract, §4.4), and cancellation of r's context
// closes the upstream connection promptly.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, backend *registry.Backend, suffix string) error {
	start := time.Now()

	target, err := url.Parse(backend.BaseURL + suffix)
	if err != nil {
		return gwerror.Newf(gwerror.Internal, "proxy: invalid backend url: %v", err)
	}

	requestID := r.Header.Get("x-request-id")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return gwerror.Newf(gwerror.Internal, "proxy: building upstream request: %v", err)
	}
	copyHeaders(outReq.Header, r.Header)
	outReq.Header.Set("x-request-id", requestID)
	applyAuth(outReq.Header, r.Header, backend.APIKey)
	outReq.Host = target.Host

	// no client-level timeout: streaming bodies may run arbitrarily long
	// once started (§5); only connect/first-byte are bounded, via the
	// transport's dial timeout and ResponseHeaderTimeout below.
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: firstByteTimeout,
	}
	client := &http.Client{Transport: transport}

	resp, err := client.Do(outReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// client disconnected before a response arrived: nothing to send.
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return gwerror.New(gwerror.UpstreamTimeout, "gateway timeout waiting for upstream")
		}
		return gwerror.Newf(gwerror.UpstreamUnavailable, "upstream unavailable: %v", err)
	}
	defer resp.Body.Close()

	w.Header().Set("x-request-id", requestID)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := streamBody(w, resp.Body); err != nil && p.log != nil {
		p.log.Info("proxy: upstream stream ended early", zap.String("request_id", requestID), zap.Error(err))
	}

	if p.OnResponse != nil {
		p.OnResponse(backend, resp.StatusCode, time.Since(start))
	}
	return nil
}

// Do performs a one-off upstream call against backend.BaseURL+suffix and
// returns the raw response for the caller to consume, used by the chat
// handler's internal re-dispatch turns (tool-loop continuations, and the
// first call when RAG/memory/tool-loop need to inspect the JSON body before
// it reaches the client) where Forward's direct-to-client streaming isn't
// applicable. The caller owns resp.Body and must close it.
func (p *Proxy) Do(ctx context.Context, backend *registry.Backend, suffix string, body io.Reader, headers http.Header) (*http.Response, error) {
	target, err := url.Parse(backend.BaseURL + suffix)
	if err != nil {
		return nil, gwerror.Newf(gwerror.Internal, "proxy: invalid backend url: %v", err)
	}

	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), body)
	if err != nil {
		return nil, gwerror.Newf(gwerror.Internal, "proxy: building upstream request: %v", err)
	}
	if headers != nil {
		copyHeaders(outReq.Header, headers)
	}
	outReq.Header.Set("Content-Type", "application/json")
	applyAuth(outReq.Header, headers, backend.APIKey)
	outReq.Host = target.Host

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: firstByteTimeout,
	}
	client := &http.Client{Transport: transport}

	resp, err := client.Do(outReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, gwerror.New(gwerror.UpstreamTimeout, "gateway timeout waiting for upstream")
		}
		return nil, gwerror.Newf(gwerror.UpstreamUnavailable, "upstream unavailable: %v", err)
	}
	return resp, nil
}

// streamBody copies src to dst, flushing at every read so that an
// SSE-framed upstream's "data: ...\n\n" boundaries are preserved without
// re-framing and back-pressure propagates to the upstream socket, per the
// design notes ("no re-framing is necessary").
func streamBody(dst http.ResponseWriter, src io.Reader) error {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// applyAuth implements §4.4's auth-substitution rule: a backend with its own
// api_key always wins, regardless of the client's header; a keyless backend
// passes the client's Authorization header through unchanged.
func applyAuth(outHeader, inHeader http.Header, backendAPIKey string) {
	if backendAPIKey != "" {
		outHeader.Set("Authorization", "Bearer "+backendAPIKey)
		return
	}
	if auth := inHeader.Get("Authorization"); auth != "" {
		outHeader.Set("Authorization", auth)
	}
}

// SuffixFor resolves the OpenAI sub-path suffix for a request path under
// /v1, per the Kind -> suffix mapping in the data model.
func SuffixFor(path string) (registry.Kind, string, bool) {
	trimmed := strings.TrimPrefix(path, "/v1")
	for kind, suffixes := range registry.Suffixes {
		for _, suffix := range suffixes {
			if trimmed == suffix {
				return kind, suffix, true
			}
		}
	}
	return "", "", false
}
