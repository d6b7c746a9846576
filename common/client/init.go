package client

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Laisky/zap"

	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/common/logger"
)

// RelayHTTPClient carries model traffic to upstream channels. Generations can
// run for minutes, so the timeout is generous.
var RelayHTTPClient = &http.Client{Timeout: 300 * time.Second}

// ImpatientHTTPClient is for short round trips: embeddings, rerank, health
// probes, billing RPCs.
var ImpatientHTTPClient = &http.Client{Timeout: 10 * time.Second}

// Init rebuilds the shared clients from configuration. HTTP/2 is disabled on
// the relay transport; several inference backends mishandle h2 streams.
func Init() {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSNextProto: make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
	}

	if config.RelayProxy != "" {
		proxyURL, err := url.Parse(config.RelayProxy)
		if err != nil {
			logger.Logger.Panic("RELAY_PROXY set but invalid",
				zap.String("proxy", config.RelayProxy), zap.Error(err))
		}
		logger.Logger.Info("using relay proxy", zap.String("proxy", config.RelayProxy))
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	RelayHTTPClient = &http.Client{
		Timeout:   config.RelayTimeout,
		Transport: transport,
	}
	ImpatientHTTPClient = &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}
}
