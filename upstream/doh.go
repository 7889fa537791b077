package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

const dnsMessageContentType = "application/dns-message"

// DoHClient implements the DNS-over-HTTPS client of §4.2: POST with the
// raw DNS message as body, reusing one persistent connection per server
// via http.Client's pooled Transport.
type DoHClient struct {
	url string
	hc  *http.Client
}

// NewDoH returns a DoH client posting to url (e.g. "https://resolver/dns-query").
func NewDoH(url string) *DoHClient {
	return &DoHClient{
		url: url,
		hc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

func (c *DoHClient) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	body, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	httpReq.Header.Set("Content-Type", dnsMessageContentType)
	httpReq.Header.Set("Accept", dnsMessageContentType)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// Non-2xx: 4xx and 5xx alike map to a plain protocol error; the pool's
	// strategies make no distinction between them and move on to the next
	// server for either.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrProtocolError, resp.StatusCode)
	}

	r := new(dns.Msg)
	if err := r.Unpack(respBody); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	return r, classifyRcode(r)
}

func (c *DoHClient) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}
