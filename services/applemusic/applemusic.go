// Package applemusic proxies the Apple Music catalog and library API.
package applemusic

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"catalog-proxy-go/cache"
	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/services/credentials"
	"catalog-proxy-go/services/upstream"
	"catalog-proxy-go/utils"

	log "github.com/sirupsen/logrus"
)

const Name = "apple-music"

// endpointPattern finds the API endpoint inside whatever route prefix the
// request arrived on.
var endpointPattern = regexp.MustCompile(`(me|catalog|albums|artists|songs|playlists|stations|charts|search|recommendations|activities|storefronts)(/.*)?$`)

// ErrMissingDeveloperToken is returned when neither the credential source nor
// the caller supplied a developer token.
var ErrMissingDeveloperToken = &upstream.RequestError{
	Status:  http.StatusUnauthorized,
	Title:   "Unauthorized",
	Message: "Developer token is required",
}

type Options struct {
	Client      *upstream.Client
	Credentials credentials.Source
	RoutePrefix string
	CacheTTL    time.Duration
}

type Service struct {
	client      *upstream.Client
	credentials credentials.Source
	routePrefix string
	keys        cache.KeyBuilder
	ttl         time.Duration
}

func New(opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 300 * time.Second
	}
	return &Service{
		client:      opts.Client,
		credentials: opts.Credentials,
		routePrefix: opts.RoutePrefix,
		keys:        cache.NewKeyBuilder(Name, opts.RoutePrefix),
		ttl:         opts.CacheTTL,
	}
}

func (s *Service) Name() string { return Name }

func (s *Service) CacheTTL() time.Duration { return s.ttl }

// SessionCredential is true: a 401 or 403 means the Music-User-Token expired.
func (s *Service) SessionCredential() bool { return true }

func (s *Service) CacheKey(r *http.Request) string {
	return s.keys.Build(r.Method, r.URL.Path, cache.FlattenQuery(r.URL.Query()))
}

// Endpoint maps an inbound path to the Apple Music API path.
func (s *Service) Endpoint(path string) string {
	if m := endpointPattern.FindString(path); m != "" {
		return m
	}
	return strings.Trim(strings.TrimPrefix(path, s.routePrefix), "/")
}

// Fetch calls Apple Music for r. The credential is read from the source on
// every call; caller-supplied headers only fill in a missing developer token.
func (s *Service) Fetch(ctx context.Context, r *http.Request) ([]byte, error) {
	cred := s.currentCredential(ctx)
	cred.DeveloperToken = utils.FirstNonEmpty(cred.DeveloperToken, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if cred.DeveloperToken == "" {
		return nil, ErrMissingDeveloperToken
	}
	cred.SessionToken = utils.FirstNonEmpty(cred.SessionToken, r.Header.Get("Music-User-Token"))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.DeveloperToken)
	if cred.SessionToken != "" {
		header.Set("Music-User-Token", cred.SessionToken)
	}
	if lang := r.Header.Get("Accept-Language"); lang != "" {
		header.Set("Accept-Language", lang)
	}

	endpoint := s.Endpoint(r.URL.Path)
	log.Debugf("%s %s calling endpoint %s", logcolors.LogUpstream, logcolors.Upstream(Name), endpoint)

	return s.client.Fetch(ctx, upstream.Request{
		Method: r.Method,
		Path:   endpoint,
		Query:  cloneQuery(r.URL.Query()),
		Header: header,
	})
}

func (s *Service) currentCredential(ctx context.Context) credentials.Credential {
	if s.credentials == nil {
		return credentials.Credential{}
	}
	cred, err := s.credentials.Current(ctx)
	if err != nil {
		log.Warnf("%s Reading credential from %s: %v", logcolors.LogCredentials, s.credentials.Location(), err)
		return credentials.Credential{}
	}
	return cred
}

func cloneQuery(q url.Values) url.Values {
	if len(q) == 0 {
		return nil
	}
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}
