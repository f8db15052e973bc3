package clientip_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/saasbilling/pkg/clientip"
	"github.com/dmitrymomot/saasbilling/pkg/logger"
)

func TestFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "203.0.113.7:4242", "203.0.113.7"},
		{"cloudflare first", map[string]string{"CF-Connecting-IP": "198.51.100.1", "X-Real-IP": "198.51.100.2"}, "10.0.0.1:1", "198.51.100.1"},
		{"forwarded list", map[string]string{"X-Forwarded-For": "garbage, 198.51.100.3, 10.0.0.2"}, "10.0.0.1:1", "198.51.100.3"},
		{"invalid headers fall back", map[string]string{"X-Real-IP": "not-an-ip"}, "192.0.2.9:80", "192.0.2.9"},
		{"ipv6", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"ipv4 mapped", map[string]string{"X-Real-IP": "::ffff:192.0.2.1"}, "", "192.0.2.1"},
		{"nothing valid", nil, "pipe", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/webhooks/billing", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientip.FromRequest(r, "CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"))
		})
	}
}

func TestFromRequest_UntrustedHeadersIgnored(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.99")
	assert.Equal(t, "192.0.2.10", clientip.FromRequest(r))
}

func TestMiddlewareAndExtractor(t *testing.T) {
	t.Parallel()
	buf := &bytes.Buffer{}
	log := logger.New(logger.WithOutput(buf), logger.WithContextExtractors(clientip.LoggerExtractor()))

	h := clientip.Middleware("X-Real-IP")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "198.51.100.4", clientip.FromContext(r.Context()))
		log.InfoContext(r.Context(), "served")
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.4")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Contains(t, buf.String(), `"client_ip":"198.51.100.4"`)
	assert.Empty(t, clientip.FromContext(context.Background()))
}
