// Package musicbrainz proxies the MusicBrainz web service.
package musicbrainz

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"catalog-proxy-go/cache"
	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/services/upstream"

	log "github.com/sirupsen/logrus"
)

const Name = "musicbrainz"

const (
	defaultSearchLimit = 10
	defaultBrowseLimit = 25
)

var (
	routePattern = regexp.MustCompile(`^/(?:api/)?(?:v1/)?(?:nodejs/)?(?:musicbrainz/)?`)
	mbidPattern  = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// reserved parameters are consumed by the request kinds and never forwarded
// as filters.
var reserved = map[string]bool{
	"query": true, "limit": true, "offset": true, "dismax": true,
	"version": true, "fmt": true, "inc": true,
}

type Kind string

const (
	KindSearch Kind = "search"
	KindLookup Kind = "lookup"
	KindBrowse Kind = "browse"
	KindDirect Kind = "direct"
)

// Query is a parsed inbound request.
type Query struct {
	Kind     Kind
	Entity   string
	MBID     string
	Includes []string
	Search   string
	Params   map[string]string
	Limit    int
	Offset   int
	Dismax   *bool
	Version  string
}

// ParsePath classifies path and query into one of the four request kinds.
func ParsePath(path string, query map[string]string) (Query, error) {
	clean := routePattern.ReplaceAllString(path, "")
	var parts []string
	for _, p := range strings.Split(clean, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Query{}, upstream.BadRequest("No entity specified")
	}

	q := Query{Entity: parts[0], Params: map[string]string{}}

	if len(parts) >= 2 {
		if mbidPattern.MatchString(parts[1]) {
			q.MBID = parts[1]
			for _, inc := range strings.Split(query["inc"], "+") {
				if inc = strings.TrimSpace(inc); inc != "" {
					q.Includes = append(q.Includes, inc)
				}
			}
		} else {
			sub := ""
			if len(parts) >= 3 {
				sub = parts[2]
			}
			q.Params[parts[1]] = sub
		}
	}

	for k, v := range query {
		if !reserved[k] {
			q.Params[k] = v
		}
	}

	switch {
	case query["query"] != "":
		q.Kind = KindSearch
		q.Search = query["query"]
		q.Limit = atoiDefault(query["limit"], defaultSearchLimit)
		q.Offset = atoiDefault(query["offset"], 0)
		if v, ok := query["dismax"]; ok {
			b := v == "true"
			q.Dismax = &b
		}
		q.Version = query["version"]
	case q.MBID != "":
		q.Kind = KindLookup
	case len(q.Params) > 0:
		q.Kind = KindBrowse
		q.Limit = atoiDefault(query["limit"], defaultBrowseLimit)
		q.Offset = atoiDefault(query["offset"], 0)
	default:
		q.Kind = KindDirect
	}
	return q, nil
}

// Request builds the outbound call. fmt=json is always set.
func (q Query) Request() upstream.Request {
	params := url.Values{}
	params.Set("fmt", "json")
	path := q.Entity

	switch q.Kind {
	case KindSearch:
		params.Set("query", q.Search)
		params.Set("limit", strconv.Itoa(q.Limit))
		params.Set("offset", strconv.Itoa(q.Offset))
		if q.Dismax != nil {
			params.Set("dismax", strconv.FormatBool(*q.Dismax))
		}
		if q.Version != "" {
			params.Set("version", q.Version)
		}
		for k, v := range q.Params {
			params.Set(k, v)
		}
	case KindLookup:
		path = q.Entity + "/" + q.MBID
		if len(q.Includes) > 0 {
			params.Set("inc", strings.Join(q.Includes, "+"))
		}
	case KindBrowse:
		for k, v := range q.Params {
			params.Set(k, v)
		}
		params.Set("limit", strconv.Itoa(q.Limit))
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	return upstream.Request{Method: http.MethodGet, Path: path, Query: params}
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

type Options struct {
	Client      *upstream.Client
	RoutePrefix string
	CacheTTL    time.Duration
}

type Service struct {
	client      *upstream.Client
	routePrefix string
	keys        cache.KeyBuilder
	ttl         time.Duration
}

func New(opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Service{
		client:      opts.Client,
		routePrefix: opts.RoutePrefix,
		keys:        cache.NewKeyBuilder(Name, opts.RoutePrefix),
		ttl:         opts.CacheTTL,
	}
}

func (s *Service) Name() string { return Name }

func (s *Service) CacheTTL() time.Duration { return s.ttl }

// SessionCredential is false. MusicBrainz is anonymous, so its 401 and 403
// pass through like any other upstream error.
func (s *Service) SessionCredential() bool { return false }

func (s *Service) CacheKey(r *http.Request) string {
	return s.keys.Build(r.Method, r.URL.Path, cache.FlattenQuery(r.URL.Query()))
}

func (s *Service) Fetch(ctx context.Context, r *http.Request) ([]byte, error) {
	path := "/" + strings.TrimLeft(strings.TrimPrefix(r.URL.Path, s.routePrefix), "/")
	q, err := ParsePath(path, cache.FlattenQuery(r.URL.Query()))
	if err != nil {
		return nil, err
	}

	log.Debugf("%s %s %s %s", logcolors.LogUpstream, logcolors.Upstream(Name), q.Kind, q.Entity)
	return s.client.Fetch(ctx, q.Request())
}
