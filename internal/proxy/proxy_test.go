package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyAuthBackendKeyAlwaysWins(t *testing.T) {
	out := http.Header{}
	in := http.Header{"Authorization": {"Bearer client-key"}}

	applyAuth(out, in, "backend-key")
	assert.Equal(t, "Bearer backend-key", out.Get("Authorization"))
}

func TestApplyAuthPassesThroughClientKeyWhenBackendIsKeyless(t *testing.T) {
	out := http.Header{}
	in := http.Header{"Authorization": {"Bearer client-key"}}

	applyAuth(out, in, "")
	assert.Equal(t, "Bearer client-key", out.Get("Authorization"))
}

func TestApplyAuthLeavesAuthorizationUnsetWhenNeitherPresent(t *testing.T) {
	out := http.Header{}
	applyAuth(out, http.Header{}, "")
	assert.Empty(t, out.Get("Authorization"))
}

func TestCopyHeadersStripsHopByHopAndHost(t *testing.T) {
	src := http.Header{
		"Connection":    {"keep-alive"},
		"Host":          {"example.com"},
		"Content-Type":  {"application/json"},
		"X-Request-Id":  {"abc"},
	}
	dst := http.Header{}
	copyHeaders(dst, src)

	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Host"))
	assert.Equal(t, "application/json", dst.Get("Content-Type"))
	assert.Equal(t, "abc", dst.Get("X-Request-Id"))
}

func TestSuffixForResolvesKnownPaths(t *testing.T) {
	kind, suffix, ok := SuffixFor("/v1/chat/completions")
	assert.True(t, ok)
	assert.Equal(t, "chat", string(kind))
	assert.Equal(t, "/chat/completions", suffix)

	_, _, ok = SuffixFor("/v1/unknown")
	assert.False(t, ok)
}
