package offload

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

type argsKey struct{}

type routeArgs struct {
	args   []string
	kwargs map[string]string
}

// ContextWithArgs attaches route captures to ctx.
func ContextWithArgs(ctx context.Context, args []string, kwargs map[string]string) context.Context {
	return context.WithValue(ctx, argsKey{}, &routeArgs{args: args, kwargs: kwargs})
}

// ArgsFromContext returns the captures of the route that
// matched, or nil, nil.
func ArgsFromContext(ctx context.Context) (args []string, kwargs map[string]string) {
	ra, ok := ctx.Value(argsKey{}).(*routeArgs)
	if !ok {
		return nil, nil
	}
	return ra.args, ra.kwargs
}

type route struct {
	pattern string
	re      *regexp.Regexp
	named   bool
	h       http.Handler
}

// Router matches request paths against regular expressions,
// first match wins, in the order added. Patterns are
// anchored at both ends. When a pattern has named groups,
// those become kwargs and nothing is positional; otherwise
// every group is a positional arg.
//
// The same Router type serves the front end (to pick a
// ProxyHandler and capture args) and the back end (to pick
// the handler; the captures then come from the front end).
type Router struct {
	mut    sync.RWMutex
	routes []*route

	// NotFound serves paths nothing matched. nil means
	// http.NotFoundHandler().
	NotFound http.Handler
}

func NewRouter() *Router {
	return &Router{}
}

// Handle adds a route.
func (rt *Router) Handle(pattern string, h http.Handler) error {
	expr := pattern
	if !strings.HasPrefix(expr, "^") {
		expr = "^" + expr
	}
	if !strings.HasSuffix(expr, "$") {
		expr += "$"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("Router.Handle bad pattern '%v': %w", pattern, err)
	}
	named := false
	for _, name := range re.SubexpNames()[1:] {
		if name != "" {
			named = true
			break
		}
	}
	rt.mut.Lock()
	rt.routes = append(rt.routes, &route{
		pattern: pattern,
		re:      re,
		named:   named,
		h:       h,
	})
	rt.mut.Unlock()
	return nil
}

func (rt *Router) HandleFunc(pattern string, f func(http.ResponseWriter, *http.Request)) error {
	return rt.Handle(pattern, http.HandlerFunc(f))
}

// MustHandle is Handle that panics on a bad pattern.
func (rt *Router) MustHandle(pattern string, h http.Handler) {
	panicOn(rt.Handle(pattern, h))
}

// Match finds the route for path. Captures are url-unescaped.
func (rt *Router) Match(path string) (h http.Handler, args []string, kwargs map[string]string, ok bool) {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	for _, r := range rt.routes {
		m := r.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		args = []string{}
		kwargs = map[string]string{}
		if r.named {
			for i, name := range r.re.SubexpNames() {
				if i == 0 || name == "" {
					continue
				}
				kwargs[name] = unescapeArg(m[i])
			}
		} else {
			for _, s := range m[1:] {
				args = append(args, unescapeArg(s))
			}
		}
		return r.h, args, kwargs, true
	}
	return nil, nil, nil, false
}

func unescapeArg(s string) string {
	u, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return u
}

func (rt *Router) notFound() http.Handler {
	if rt.NotFound != nil {
		return rt.NotFound
	}
	return http.NotFoundHandler()
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, args, kwargs, ok := rt.Match(r.URL.Path)
	if !ok {
		rt.notFound().ServeHTTP(w, r)
		return
	}
	h.ServeHTTP(w, r.WithContext(ContextWithArgs(r.Context(), args, kwargs)))
}
