package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/config"
)

// ReverseProxy forwards console API routes to the backend, authenticated
// by the gate.
type ReverseProxy struct {
	proxy  *httputil.ReverseProxy
	cfg    config.BackendConfig
	logger *slog.Logger
}

func NewReverseProxy(cfg config.BackendConfig, gate http.RoundTripper, logger *slog.Logger) (*ReverseProxy, error) {
	backendURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backendURL)
			pr.SetXForwarded()
			stripClientCredentials(pr.Out)
		},
		Transport: gate,
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			logger.Info("Proxied request rejected, session expired",
				"path", r.URL.Path,
				"error", authErr.Code,
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(authErr)
			return
		}

		logger.Error("proxy error",
			"error", err,
			"backend", backendURL.String(),
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	return &ReverseProxy{
		proxy:  proxy,
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rp.logger.Debug("proxying request",
		"path", r.URL.Path,
		"backend", rp.cfg.URL,
	)

	rp.proxy.ServeHTTP(w, r)
}
