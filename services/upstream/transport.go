package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"catalog-proxy-go/logcolors"

	"github.com/rs/dnscache"
	log "github.com/sirupsen/logrus"
)

// NewTransport returns a pooled transport. When resolver is non-nil, dials go
// through its cached lookups.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver == nil {
		return t
	}

	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		var lastErr error
		for _, ip := range ips {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	return t
}

// RefreshDNS refreshes the resolver's cache until ctx is done, dropping
// entries that were not used since the last refresh.
func RefreshDNS(ctx context.Context, resolver *dnscache.Resolver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
			log.Debugf("%s Refreshed cached lookups", logcolors.LogDNS)
		}
	}
}
