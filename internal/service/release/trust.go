package release

import (
	"fmt"
	"net/url"
	"strings"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

// TrustPolicy decides which download URLs may be fetched.
type TrustPolicy struct {
	hosts []string
	repos map[string]struct{}
}

// NewTrustPolicy creates a policy. A host entry matches itself and its subdomains,
// repositories are owner/name pairs compared case-insensitively.
func NewTrustPolicy(hosts, repos []string) *TrustPolicy {
	p := &TrustPolicy{
		hosts: make([]string, 0, len(hosts)),
		repos: make(map[string]struct{}, len(repos)),
	}

	for _, host := range hosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			p.hosts = append(p.hosts, host)
		}
	}

	for _, repo := range repos {
		if repo = strings.ToLower(strings.Trim(strings.TrimSpace(repo), "/")); repo != "" {
			p.repos[repo] = struct{}{}
		}
	}

	return p
}

// Check returns domain.ErrUntrustedSource unless rawURL is an HTTPS URL on an allowed
// host whose path starts with an allowed /owner/repo/.
func (p *TrustPolicy) Check(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%q: %w", rawURL, domain.ErrUntrustedSource)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("%q is not HTTPS: %w", rawURL, domain.ErrUntrustedSource)
	}

	if !p.hostAllowed(parsed.Hostname()) {
		return fmt.Errorf("host %q is not allowed: %w", parsed.Hostname(), domain.ErrUntrustedSource)
	}

	repo, ok := repositoryFromPath(parsed.Path)
	if !ok {
		return fmt.Errorf("%q names no repository: %w", rawURL, domain.ErrUntrustedSource)
	}

	if _, ok = p.repos[strings.ToLower(repo)]; !ok {
		return fmt.Errorf("repository %q is not allowed: %w", repo, domain.ErrUntrustedSource)
	}

	return nil
}

func (p *TrustPolicy) hostAllowed(host string) bool {
	host = strings.ToLower(host)

	for _, allowed := range p.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}

	return false
}

// repositoryFromPath extracts owner/name from /owner/name/....
func repositoryFromPath(path string) (string, bool) {
	segments := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(segments) < 3 || segments[0] == "" || segments[1] == "" {
		return "", false
	}

	return segments[0] + "/" + segments[1], true
}
