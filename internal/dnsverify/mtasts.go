package dnsverify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/monkeysmail/platform/internal/pkg/httpretry"
)

// maxPolicyBytes caps the MTA-STS policy body; real policies are tiny.
const maxPolicyBytes = 64 << 10

// Policy is a parsed MTA-STS policy document.
type Policy struct {
	Version string   `json:"version"`
	Mode    string   `json:"mode"`
	MX      []string `json:"mx"`
	MaxAge  int      `json:"max_age"`
}

// PolicyClient fetches MTA-STS policies over verified HTTPS with retries.
type PolicyClient struct {
	client  httpretry.HTTPDoer
	timeout time.Duration
}

// NewPolicyClient creates a policy client. A nil doer gets a retrying
// client over a TLS-verifying transport; zero timeout defaults to 10s.
func NewPolicyClient(client httpretry.HTTPDoer, timeout time.Duration) *PolicyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2)
	}
	return &PolicyClient{client: client, timeout: timeout}
}

// Fetch retrieves and parses https://mta-sts.{apex}/.well-known/mta-sts.txt.
func (c *PolicyClient) Fetch(ctx context.Context, apex string) (*Policy, error) {
	url := fmt.Sprintf("https://mta-sts.%s/.well-known/mta-sts.txt", apex)

	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build policy request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return ParsePolicy(io.LimitReader(resp.Body, maxPolicyBytes))
}

// ParsePolicy reads a "key: value" policy document. Unknown keys are
// ignored; a missing version or unparsable max_age is an error.
func ParsePolicy(r io.Reader) (*Policy, error) {
	p := &Policy{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		switch key {
		case "version":
			p.Version = value
		case "mode":
			p.Mode = strings.ToLower(value)
		case "mx":
			p.MX = append(p.MX, strings.ToLower(value))
		case "max_age":
			age, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("bad max_age %q", value)
			}
			p.MaxAge = age
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if p.Version == "" {
		return nil, fmt.Errorf("policy has no version")
	}
	return p, nil
}
