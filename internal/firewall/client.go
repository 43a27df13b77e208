// Package firewall manages the egress allow-list alias on an OPNsense firewall.
package firewall

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

// Transient failures (network errors, 429 and 5xx) are retried within these bounds.
const (
	retryMaxTries   = 4
	retryInitial    = 250 * time.Millisecond
	retryMaxElapsed = 30 * time.Second
)

// Firewall is the allow-list surface used by the approval workflow.
type Firewall interface {
	AddDomain(ctx context.Context, domain string) (added bool, err error)
}

// Client talks to the OPNsense alias API with basic auth.
type Client struct {
	baseURL    string
	alias      string
	key        string
	secret     string
	httpClient *http.Client
	logger     *logger.Logger

	retryInitial time.Duration

	// writeMu serializes read-modify-write of the alias content.
	writeMu sync.Mutex
}

var _ Firewall = (*Client)(nil)

func NewClient(cfg config.FirewallConfig, log *logger.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // DefaultTransport is *http.Transport
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed appliances
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		alias:   cfg.Alias,
		key:     cfg.Key,
		secret:  cfg.Secret,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout(),
			Transport: otelhttp.NewTransport(transport),
		},
		logger:       log.WithFields(zap.String("component", "firewall")),
		retryInitial: retryInitial,
	}
}

type aliasItem struct {
	Alias struct {
		Content string `json:"content"`
	} `json:"alias"`
}

// Domains returns the alias entries, one per non-empty line.
func (c *Client) Domains(ctx context.Context) ([]string, error) {
	var item aliasItem
	if err := c.do(ctx, http.MethodGet, "/api/firewall/alias/getItem/"+c.alias, nil, &item); err != nil {
		return nil, fmt.Errorf("get alias %s: %w", c.alias, err)
	}
	var domains []string
	for _, line := range strings.Split(item.Alias.Content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			domains = append(domains, line)
		}
	}
	return domains, nil
}

// AddDomain appends domain to the alias and applies the change. It reports
// false without writing when the domain is already present.
func (c *Client) AddDomain(ctx context.Context, domain string) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	domains, err := c.Domains(ctx)
	if err != nil {
		return false, err
	}
	if slices.Contains(domains, domain) {
		return false, nil
	}
	if err := c.apply(ctx, append(domains, domain)); err != nil {
		return false, err
	}
	c.logger.Info("Domain added to allow-list", zap.String("domain", domain), zap.String("alias", c.alias))
	return true, nil
}

// RemoveDomain drops domain from the alias. It reports false when absent.
func (c *Client) RemoveDomain(ctx context.Context, domain string) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	domains, err := c.Domains(ctx)
	if err != nil {
		return false, err
	}
	i := slices.Index(domains, domain)
	if i < 0 {
		return false, nil
	}
	if err := c.apply(ctx, slices.Delete(domains, i, i+1)); err != nil {
		return false, err
	}
	c.logger.Info("Domain removed from allow-list", zap.String("domain", domain), zap.String("alias", c.alias))
	return true, nil
}

func (c *Client) apply(ctx context.Context, domains []string) error {
	var item aliasItem
	item.Alias.Content = strings.Join(domains, "\n")
	if err := c.do(ctx, http.MethodPost, "/api/firewall/alias/setItem/"+c.alias, item, nil); err != nil {
		return fmt.Errorf("set alias %s: %w", c.alias, err)
	}
	if err := c.do(ctx, http.MethodPost, "/api/firewall/alias/reconfigure", nil, nil); err != nil {
		return fmt.Errorf("reconfigure aliases: %w", err)
	}
	return nil
}

// statusError is a non-2xx answer from the appliance.
type statusError struct {
	endpoint string
	code     int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("OPNsense %s returned %d: %s", e.endpoint, e.code, e.body)
}

func (e *statusError) transient() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// do sends one API call, retrying transient failures with exponential backoff.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, c.doOnce(ctx, method, endpoint, data, result)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(retryMaxTries),
		backoff.WithMaxElapsedTime(retryMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("OPNsense call failed, retrying",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	return err
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, data []byte, result any) error {
	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.SetBasicAuth(c.key, c.secret)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &statusError{endpoint: endpoint, code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		if serr.transient() {
			return serr
		}
		return backoff.Permanent(serr)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s response: %w", endpoint, err))
	}
	return nil
}
