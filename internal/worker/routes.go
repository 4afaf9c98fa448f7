package worker

import (
	"mime"
	"net/http"
	"net/url"
	"strings"

	"momay/internal/config"
)

type RouteClass int

const (
	RouteStatic RouteClass = iota
	RouteNavigation
	RouteAPI
)

func (c RouteClass) String() string {
	switch c {
	case RouteNavigation:
		return "navigation"
	case RouteAPI:
		return "api"
	}
	return "static"
}

func parseClass(s string) RouteClass {
	switch s {
	case config.ClassNavigation:
		return RouteNavigation
	case config.ClassAPI:
		return RouteAPI
	}
	return RouteStatic
}

// Route pairs a request predicate with the class it assigns.
type Route struct {
	Name  string
	Match func(*http.Request) bool
	Class RouteClass
}

// RouteTable is evaluated in order; the first matching route wins and
// unmatched requests are static assets.
type RouteTable []Route

func (t RouteTable) Classify(r *http.Request) RouteClass {
	for _, rt := range t {
		if rt.Match(r) {
			return rt.Class
		}
	}
	return RouteStatic
}

// NewRouteTable puts the navigation predicate first, then the configured
// path rules in priority order.
func NewRouteTable(rules []config.Rule) RouteTable {
	t := RouteTable{{Name: "navigate", Match: IsNavigation, Class: RouteNavigation}}
	for i := range rules {
		rule := rules[i]
		t = append(t, Route{
			Name:  rule.Match,
			Match: func(r *http.Request) bool { return rule.Matches(r.URL.Path) },
			Class: parseClass(rule.Class),
		})
	}
	return t
}

// IsNavigation reports whether r is a top-level page load. Browsers say so
// with Sec-Fetch-Mode; older clients are recognised by an Accept header
// that prefers HTML.
func IsNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	first, _, _ := strings.Cut(accept, ",")
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

// intercepts reports whether the worker handles r at all. Anything but GET
// over http(s) goes to the network untouched.
func intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != "" {
		return false
	}
	return r.URL != nil && (r.URL.Scheme == "http" || r.URL.Scheme == "https")
}

// RequestKey is the cache identity of r: method plus normalised URL.
func RequestKey(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + normalizeURL(r.URL)
}

func normalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	host := strings.ToLower(n.Hostname())
	port := n.Port()
	if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	n.Host = host
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	if n.Path == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}

// urlWithPath returns base with its path replaced by a root-relative
// reference such as "/style.css?v=2".
func urlWithPath(base *url.URL, ref string) *url.URL {
	out := *base
	p, q, _ := strings.Cut(ref, "?")
	out.Path = p
	out.RawPath = ""
	out.RawQuery = q
	out.Fragment = ""
	out.RawFragment = ""
	return &out
}
