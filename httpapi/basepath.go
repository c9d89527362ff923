package httpapi

import (
	"net/url"
	"strings"
)

func normalizeBasePath(value string) string {
	path := strings.TrimSpace(value)
	if path == "" || path == "/" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.TrimRight(path, "/")
	if path == "/" {
		return ""
	}
	return path
}

// parseServerURL validates a host URL and strips any trailing slash from its path.
func parseServerURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, &url.Error{Op: "parse", URL: raw, Err: errInvalidServerURL}
	}
	parsed.Path = normalizeBasePath(parsed.Path)
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}

// endpoint joins an API path onto the server URL, keeping its base path.
func endpoint(base *url.URL, path string, query url.Values) string {
	u := *base
	u.Path = base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}
