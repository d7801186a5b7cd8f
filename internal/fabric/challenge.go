package fabric

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Dmitry19794/tproxy/internal/errs"
)

const (
	challengeTimeout = 300 * time.Second
	maxRedirects     = 10
)

// DetectChallenge reports whether a response looks like an anti-bot
// challenge page, per spec section 4.6's simpler rule: the response
// carries a "cloudflare" Server header together with a "cf-mitigated"
// header, or the body itself contains one of the known challenge
// markers. This intentionally omits original_source/src/challenge.rs's
// extra "cf-ray present" condition, since spec section 4.6 is explicit
// about the two-condition rule.
func DetectChallenge(header http.Header, body []byte) bool {
	server := strings.ToLower(header.Get("Server"))
	if strings.Contains(server, "cloudflare") && header.Get("cf-mitigated") != "" {
		return true
	}

	bodyStr := string(body)
	for _, marker := range []string{
		"cf-browser-verification",
		"__cf_chl_jschl_tk__",
		"cf-challenge-form",
		"jschl-answer",
		"cf-captcha-container",
	} {
		if strings.Contains(bodyStr, marker) {
			return true
		}
	}

	location := header.Get("Location")
	if strings.Contains(location, "__cf_chl_jschl_tk__") || strings.Contains(location, "cdn-cgi/challenge") {
		return true
	}

	return false
}

// IsRedirectStatus reports whether code is one of the redirect statuses
// that feed into a RedirectChain.
func IsRedirectStatus(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// RedirectEntry is one hop in a redirect chain.
type RedirectEntry struct {
	From       string
	To         string
	StatusCode int
	Timestamp  time.Time
}

// RedirectChain tracks a single request's redirect history plus any
// cookies accumulated along the way, grounded on original_source/src/
// challenge.rs::RedirectChain.
type RedirectChain struct {
	OriginalURL string
	Redirects   []RedirectEntry
	Cookies     map[string]string
	Timestamp   time.Time
}

func newRedirectChain(originalURL string) *RedirectChain {
	return &RedirectChain{
		OriginalURL: originalURL,
		Cookies:     make(map[string]string),
		Timestamp:   time.Now(),
	}
}

// AddRedirect appends a hop, failing with TooManyRedirects once the chain
// has reached spec section 4.6's cap, or RedirectLoop if the new hop's
// destination returns to the chain's original URL or any URL already
// visited (a "from" or a "to") earlier in the chain. A rejected hop does
// not extend the chain.
func (r *RedirectChain) AddRedirect(from, to string, status int) error {
	if len(r.Redirects) >= maxRedirects {
		return errs.NewValidationError("challenge.add_redirect", "TooManyRedirects")
	}
	if r.wouldLoop(to) {
		return errs.NewValidationError("challenge.add_redirect", "RedirectLoop")
	}
	r.Redirects = append(r.Redirects, RedirectEntry{From: from, To: to, StatusCode: status, Timestamp: time.Now()})
	return nil
}

// wouldLoop reports whether to names a URL the chain has already visited:
// the original URL, or any prior hop's "from" or "to" (spec section 4.6's
// loop-detection rule).
func (r *RedirectChain) wouldLoop(to string) bool {
	if to == r.OriginalURL {
		return true
	}
	for _, e := range r.Redirects {
		if to == e.From || to == e.To {
			return true
		}
	}
	return false
}

// AddCookie records a cookie observed during this redirect chain.
func (r *RedirectChain) AddCookie(name, value string) {
	r.Cookies[name] = value
}

// AllCookies returns every cookie accumulated across the chain.
func (r *RedirectChain) AllCookies() map[string]string {
	out := make(map[string]string, len(r.Cookies))
	for k, v := range r.Cookies {
		out[k] = v
	}
	return out
}

func (r *RedirectChain) expired() bool {
	return time.Since(r.Timestamp) > challengeTimeout
}

// RedirectCount returns the number of hops recorded so far.
func (r *RedirectChain) RedirectCount() int {
	return len(r.Redirects)
}

// FinalURL returns the destination of the last redirect, or the original
// URL if no redirects have occurred.
func (r *RedirectChain) FinalURL() string {
	if len(r.Redirects) == 0 {
		return r.OriginalURL
	}
	return r.Redirects[len(r.Redirects)-1].To
}

// ChallengeState tracks a single in-flight challenge response.
type ChallengeState struct {
	URL       string
	Timestamp time.Time
	Cookies   map[string]string
}

func (s ChallengeState) expired() bool {
	return time.Since(s.Timestamp) > challengeTimeout
}

// ChallengeTracker holds pending challenges and redirect chains for the
// connections currently in flight, grounded on original_source/src/
// challenge.rs::ChallengeHandler.
type ChallengeTracker struct {
	mu         sync.Mutex
	challenges map[string]*ChallengeState
	chains     map[string]*RedirectChain
}

// NewChallengeTracker returns an empty tracker.
func NewChallengeTracker() *ChallengeTracker {
	return &ChallengeTracker{
		challenges: make(map[string]*ChallengeState),
		chains:     make(map[string]*RedirectChain),
	}
}

// RegisterChallenge records that key (typically a connection or request
// id) hit a challenge response for url.
func (t *ChallengeTracker) RegisterChallenge(key, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.challenges[key] = &ChallengeState{URL: url, Timestamp: time.Now(), Cookies: make(map[string]string)}
}

// CompleteChallenge removes a pending challenge once resolved.
func (t *ChallengeTracker) CompleteChallenge(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.challenges, key)
}

// ChallengeCookies returns the cookies accumulated for a pending challenge.
func (t *ChallengeTracker) ChallengeCookies(key string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.challenges[key]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(state.Cookies))
	for k, v := range state.Cookies {
		out[k] = v
	}
	return out
}

// StartRedirectChain begins tracking redirects for key starting at
// originalURL.
func (t *ChallengeTracker) StartRedirectChain(key, originalURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chains[key] = newRedirectChain(originalURL)
}

// AddRedirect records one redirect hop for key's chain, starting a new
// chain implicitly if none exists yet.
func (t *ChallengeTracker) AddRedirect(key, from, to string, status int) error {
	t.mu.Lock()
	chain, ok := t.chains[key]
	if !ok {
		chain = newRedirectChain(from)
		t.chains[key] = chain
	}
	t.mu.Unlock()
	return chain.AddRedirect(from, to, status)
}

// FinishRedirectChain removes key's redirect chain once the request has
// completed.
func (t *ChallengeTracker) FinishRedirectChain(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chains, key)
}

// ExtractChallengeCookies parses a Set-Cookie header value and returns
// name/value pairs whose name matches the Cloudflare-challenge prefixes
// spec section 4.6 names: "__cf", "cf_" prefixes, or exactly "cf_clearance"
// or "__cfduid".
func ExtractChallengeCookies(setCookie string) map[string]string {
	out := make(map[string]string)
	header := http.Header{}
	header.Add("Set-Cookie", setCookie)
	resp := http.Response{Header: header}
	for _, c := range resp.Cookies() {
		if isChallengeCookie(c.Name) {
			out[c.Name] = c.Value
		}
	}
	return out
}

func isChallengeCookie(name string) bool {
	return strings.HasPrefix(name, "__cf") ||
		strings.HasPrefix(name, "cf_") ||
		name == "cf_clearance" ||
		name == "__cfduid"
}

// CleanupExpired drops pending challenges and redirect chains older than
// spec section 4.6's 300-second timeout.
func (t *ChallengeTracker) CleanupExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, state := range t.challenges {
		if state.expired() {
			delete(t.challenges, key)
		}
	}
	for key, chain := range t.chains {
		if chain.expired() {
			delete(t.chains, key)
		}
	}
}
