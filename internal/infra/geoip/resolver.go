package geoip

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// cacheLimit bounds the per-process lookup cache. The cache is dropped
// wholesale when full.
const cacheLimit = 4096

// countryReader is the slice of *geoip2.Reader the resolver uses.
type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Resolver maps a download's client IP to the two-letter code stored on the
// download record. A resolver without a database answers "" for every IP.
type Resolver struct {
	reader countryReader

	mu    sync.Mutex
	cache map[string]string
}

// Open loads the MaxMind country database at path. An empty path yields a
// resolver that never resolves.
func Open(path string) (*Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return &Resolver{}, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open database: %w", err)
	}
	return newResolver(reader), nil
}

func newResolver(reader countryReader) *Resolver {
	return &Resolver{reader: reader, cache: make(map[string]string)}
}

// Enabled reports whether a database is loaded.
func (r *Resolver) Enabled() bool {
	return r != nil && r.reader != nil
}

// Country returns the upper-case ISO code for ip. Private, loopback,
// link-local and unspecified addresses are unknown and yield "" without a
// database hit, as do addresses the database has no country for.
func (r *Resolver) Country(ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("geoip: invalid ip %q", ip)
	}
	if !r.Enabled() || !routable(parsed) {
		return "", nil
	}
	key := parsed.String()

	r.mu.Lock()
	code, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return code, nil
	}

	record, err := r.reader.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geoip: lookup %s: %w", key, err)
	}
	if record != nil {
		code = record.Country.IsoCode
		if code == "" {
			code = record.RegisteredCountry.IsoCode
		}
	}
	code = strings.ToUpper(code)

	r.mu.Lock()
	if len(r.cache) >= cacheLimit {
		r.cache = make(map[string]string)
	}
	r.cache[key] = code
	r.mu.Unlock()
	return code, nil
}

// Close releases the database.
func (r *Resolver) Close() error {
	if !r.Enabled() {
		return nil
	}
	return r.reader.Close()
}

func routable(ip net.IP) bool {
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}
