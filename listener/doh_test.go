package listener

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvd/resolvd/accesslist"
	"github.com/resolvd/resolvd/wire"
)

func TestDoHListenerServesPostWireFormat(t *testing.T) {
	l := NewDoHListener(":0", echoResolver)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	buf, err := req.Pack()
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(buf))
	httpReq.Header.Set("Content-Type", "application/dns-message")
	rec := httptest.NewRecorder()

	l.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	reply, err := wire.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
}

func TestDoHListenerRefusesBlockedClient(t *testing.T) {
	al, err := accesslist.New([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	l := NewDoHListener(":0", echoResolver)
	l.Access = al

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	buf, err := req.Pack()
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(buf))
	httpReq.Header.Set("Content-Type", "application/dns-message")
	httpReq.RemoteAddr = "192.168.1.1:5353"
	rec := httptest.NewRecorder()

	l.ServeHTTP(rec, httpReq)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
