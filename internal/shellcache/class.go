package shellcache

import (
	"net/url"
	"regexp"
	"strings"
)

// ResourceClass names a cache partition and the policy applied to it.
type ResourceClass string

const (
	ClassCritical ResourceClass = "critical"
	ClassStatic   ResourceClass = "static"
	ClassAPI      ResourceClass = "api"
	ClassImage    ResourceClass = "image"
	ClassFont     ResourceClass = "font"
)

// Classes lists the recognized partitions in install order.
var Classes = []ResourceClass{ClassCritical, ClassStatic, ClassAPI, ClassImage, ClassFont}

func (c ResourceClass) String() string { return string(c) }

func isRecognized(name string) bool {
	for _, c := range Classes {
		if string(c) == name {
			return true
		}
	}
	return false
}

type Strategy int

const (
	CacheFirst Strategy = iota
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "unknown"
	}
}

// Route is the classifier's decision for one request.
type Route struct {
	Class    ResourceClass
	Strategy Strategy
	// Default is set when no rule matched.
	Default bool
}

var (
	imageExt = regexp.MustCompile(`(?i)\.(png|jpg|jpeg|gif|webp|svg|ico)$`)
	fontExt  = regexp.MustCompile(`(?i)\.(woff|woff2|ttf|eot|otf)$`)
)

// Classifier maps request URLs to routes. It is immutable after construction
// and safe for concurrent use.
type Classifier struct {
	originHost string
	critical   map[string]struct{}
}

func NewClassifier(origin *url.URL, criticalPaths []string) *Classifier {
	c := &Classifier{critical: make(map[string]struct{}, len(criticalPaths))}
	if origin != nil {
		c.originHost = strings.ToLower(origin.Host)
	}
	for _, p := range criticalPaths {
		if u, err := url.Parse(p); err == nil && u.Path != "" {
			p = u.Path
		}
		c.critical[p] = struct{}{}
	}
	return c
}

func (c *Classifier) Classify(u *url.URL) Route {
	path := u.Path
	if path == "" {
		path = "/"
	}

	if path == "/" || strings.Contains(path, "index.html") || c.isCritical(path) {
		return Route{Class: ClassCritical, Strategy: CacheFirst}
	}
	if strings.Contains(path, "/static/") ||
		strings.HasSuffix(path, ".js") ||
		strings.HasSuffix(path, ".css") ||
		strings.HasSuffix(path, ".html") {
		return Route{Class: ClassStatic, Strategy: CacheFirst}
	}
	if strings.Contains(path, "/api/") || c.crossOrigin(u) {
		return Route{Class: ClassAPI, Strategy: NetworkFirst}
	}
	if imageExt.MatchString(path) {
		return Route{Class: ClassImage, Strategy: CacheFirst}
	}
	if fontExt.MatchString(path) {
		return Route{Class: ClassFont, Strategy: CacheFirst}
	}
	return Route{Class: ClassStatic, Strategy: NetworkFirst, Default: true}
}

func (c *Classifier) isCritical(path string) bool {
	_, ok := c.critical[path]
	return ok
}

func (c *Classifier) crossOrigin(u *url.URL) bool {
	if u.Host == "" || c.originHost == "" {
		return false
	}
	return !strings.EqualFold(u.Host, c.originHost)
}
