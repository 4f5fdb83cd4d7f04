package cmd

import (
	"net/url"
	"strconv"

	"gust/internal/errutil"
)

// splitURL breaks a target URL into the host/port/path fields a
// TestSpec wants.
func splitURL(raw string) (host string, port int, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, "", errutil.Configf("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" {
		return "", 0, "", errutil.Configf("unsupported scheme %q, targets are plain http", u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, "", errutil.Configf("url %q has no host", raw)
	}
	port = 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, "", errutil.Configf("invalid port in %q", raw)
		}
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return host, port, path, nil
}
