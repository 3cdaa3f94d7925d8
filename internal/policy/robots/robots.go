// Package robots loads and evaluates the archive's robots.txt rules.
package robots

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
)

// ErrPolicyUnavailable reports that robots.txt could not be retrieved.
var ErrPolicyUnavailable = errors.New("robots policy unavailable")

// OnUnavailable selects what happens when robots.txt cannot be retrieved.
type OnUnavailable string

// Supported OnUnavailable modes.
const (
	Allow OnUnavailable = "allow"
	Deny  OnUnavailable = "deny"
	Abort OnUnavailable = "abort"
)

// ParseOnUnavailable validates a configured mode; empty means Allow.
func ParseOnUnavailable(s string) (OnUnavailable, error) {
	switch m := OnUnavailable(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Allow, nil
	case Allow, Deny, Abort:
		return m, nil
	default:
		return "", fmt.Errorf("unknown robots on_unavailable mode %q", s)
	}
}

// Policy is an immutable set of robots rules for one user agent.
type Policy struct {
	data      *robotstxt.RobotsData
	userAgent string
	allowAll  bool
	denyAll   bool
	loadErr   error
}

// AllowAll returns a policy that permits every URL.
func AllowAll() *Policy { return &Policy{allowAll: true} }

// DenyAll returns a policy that refuses every URL.
func DenyAll() *Policy { return &Policy{denyAll: true} }

// Parse builds a policy from a robots.txt body and its HTTP status.
func Parse(statusCode int, body []byte, userAgent string) (*Policy, error) {
	data, err := robotstxt.FromStatusAndBytes(statusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return &Policy{data: data, userAgent: userAgent}, nil
}

// RobotsURL returns {scheme}://{host}/robots.txt for any URL on the origin.
func RobotsURL(originURL string) (string, error) {
	u, err := url.Parse(originURL)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin %q is not absolute", originURL)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String(), nil
}

// Load fetches and parses robots.txt for the origin. Status handling follows
// robotstxt.FromStatusAndBytes: 4xx allows all and 5xx disallows all. A
// request that never completes yields ErrPolicyUnavailable.
func Load(ctx context.Context, getter fetcher.Getter, originURL, userAgent string) (*Policy, error) {
	robotsURL, err := RobotsURL(originURL)
	if err != nil {
		return nil, err
	}
	resp, err := getter.Get(ctx, robotsURL)
	if err != nil {
		var se *fetcher.StatusError
		if !errors.As(err, &se) {
			return nil, fmt.Errorf("fetch %s: %w: %w", robotsURL, ErrPolicyUnavailable, err)
		}
	}
	return Parse(resp.StatusCode, resp.Body, userAgent)
}

// Resolve loads the policy and applies mode when it is unavailable. With
// Allow or Deny the substitute policy is returned with a nil error and the
// cause is kept in LoadErr.
func Resolve(
	ctx context.Context,
	getter fetcher.Getter,
	originURL, userAgent string,
	mode OnUnavailable,
) (*Policy, error) {
	policy, err := Load(ctx, getter, originURL, userAgent)
	if err == nil {
		return policy, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("load robots: %w", ctx.Err())
	}
	switch mode {
	case Deny:
		p := DenyAll()
		p.loadErr = err
		return p, nil
	case Abort:
		return nil, fmt.Errorf("load robots: %w", err)
	default:
		p := AllowAll()
		p.loadErr = err
		return p, nil
	}
}

// IsAllowed reports whether the agent may fetch rawURL. It performs no I/O.
func (p *Policy) IsAllowed(rawURL string) bool {
	if p == nil || p.allowAll {
		return true
	}
	if p.denyAll {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	return p.data.TestAgent(target, p.userAgent)
}

// CrawlDelay returns the Crawl-delay directive of the matching group, if any.
func (p *Policy) CrawlDelay() time.Duration {
	if p == nil || p.data == nil {
		return 0
	}
	group := p.data.FindGroup(p.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

// LoadErr returns why the policy is a substitute, or nil for a loaded policy.
func (p *Policy) LoadErr() error {
	if p == nil {
		return nil
	}
	return p.loadErr
}

// String describes the policy source for logs.
func (p *Policy) String() string {
	switch {
	case p == nil || p.allowAll:
		return "allow-all"
	case p.denyAll:
		return "deny-all"
	default:
		return "robots.txt"
	}
}
