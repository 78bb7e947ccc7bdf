// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package redfish reads total input power from R-SCM rack controllers over
// their Redfish management API.
//
// # Request Path
//
// Each read is an HTTPS GET against the controller's power meter resource on
// port 8080. Certificates are not verified. Authentication first uses the
// HTTP client's native Basic auth; a 401 triggers one retry with an
// explicitly built Authorization header. When both attempts fail the same
// pair is tried over plain HTTP on the same port, unless that fallback is
// disabled.
//
// # Connections
//
// Every call builds its own transport with keep-alives disabled and closes
// it before returning. No TCP session outlives a call.
package redfish

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/pkg/errors"
)

const (
	// DefaultPort is the management port R-SCM controllers listen on.
	DefaultPort = 8080

	// PowerMeterPath is the OEM power meter resource.
	PowerMeterPath = "/redfish/v1/PowerEquipment/PowerShelves/1/Oem/Microsoft/PowerMeter"

	// DefaultTimeout bounds one HTTP exchange.
	DefaultTimeout = 10 * time.Second

	powerField   = "TotalInputPowerInWatts"
	maxBodyBytes = 1 << 20
)

// Client performs power reads. It holds no connections between calls and
// is safe for concurrent use.
type Client struct {
	port              int
	path              string
	timeout           time.Duration
	plainHTTPFallback bool
	logger            zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPort overrides the management port.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithPath overrides the power meter resource path.
func WithPath(path string) Option {
	return func(c *Client) { c.path = path }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithPlainHTTPFallback enables or disables the plain HTTP retry.
func WithPlainHTTPFallback(enabled bool) Option {
	return func(c *Client) { c.plainHTTPFallback = enabled }
}

// NewClient creates a Redfish power client.
func NewClient(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		port:              DefaultPort,
		path:              PowerMeterPath,
		timeout:           DefaultTimeout,
		plainHTTPFallback: true,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReadPower returns the controller's total input power in watts. Errors wrap
// ErrUnreachable, ErrAuthFailed or ErrMalformedResponse.
func (c *Client) ReadPower(ctx context.Context, address string, cred credentials.Credential) (float64, error) {
	schemes := []string{"https"}
	if c.plainHTTPFallback {
		schemes = append(schemes, "http")
	}

	var failures []error
	for _, scheme := range schemes {
		url := c.endpoint(scheme, address)
		watts, err := c.readWithAuthFallback(ctx, url, cred)
		if err == nil {
			return watts, nil
		}

		c.logger.Debug().Err(err).Str("url", url).Msg("Power read attempt failed")
		failures = append(failures, errors.NewNetworkError("read power", url, err))

		if ctx.Err() != nil {
			break
		}
	}

	return 0, mostSpecific(failures)
}

// CheckConnection performs a pre-flight read and reports why it failed.
func (c *Client) CheckConnection(ctx context.Context, address string, cred credentials.Credential) (float64, error) {
	watts, err := c.ReadPower(ctx, address, cred)
	if err != nil {
		c.logger.Warn().Err(err).Str("address", address).Msg("Connection test failed")
		return 0, err
	}
	c.logger.Info().Str("address", address).Float64("watts", watts).Msg("Connection test succeeded")
	return watts, nil
}

// TestConnection is CheckConnection reduced to an ok flag.
func (c *Client) TestConnection(ctx context.Context, address string, cred credentials.Credential) (float64, bool) {
	watts, err := c.CheckConnection(ctx, address, cred)
	return watts, err == nil
}

func (c *Client) endpoint(scheme, address string) string {
	return scheme + "://" + net.JoinHostPort(address, strconv.Itoa(c.port)) + c.path
}

// readWithAuthFallback runs the native-auth request and, on 401, the
// explicit-header retry over one freshly built transport.
func (c *Client) readWithAuthFallback(ctx context.Context, url string, cred credentials.Credential) (float64, error) {
	transport := cleanhttp.DefaultTransport()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- controllers use self-signed certificates
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: c.timeout}

	watts, status, err := c.get(ctx, client, url, func(req *http.Request) {
		req.SetBasicAuth(cred.Username, cred.Password)
	})
	if status != http.StatusUnauthorized {
		return watts, err
	}

	c.logger.Debug().Str("url", url).Msg("Basic auth rejected, retrying with explicit Authorization header")
	token := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
	watts, _, err = c.get(ctx, client, url, func(req *http.Request) {
		req.Header.Set("Authorization", "Basic "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
	})
	return watts, err
}

func (c *Client) get(ctx context.Context, client *http.Client, url string, authorize func(*http.Request)) (float64, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errors.ErrUnreachable, err)
	}
	req.Close = true
	authorize(req)

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errors.ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		watts, err := parsePower(resp.Body)
		return watts, resp.StatusCode, err
	case http.StatusUnauthorized, http.StatusForbidden:
		return 0, resp.StatusCode, fmt.Errorf("%w: HTTP %d", errors.ErrAuthFailed, resp.StatusCode)
	default:
		return 0, resp.StatusCode, fmt.Errorf("%w: HTTP %d", errors.ErrMalformedResponse, resp.StatusCode)
	}
}

func parsePower(body io.Reader) (float64, error) {
	var payload map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&payload); err != nil {
		return 0, fmt.Errorf("%w: decode body: %v", errors.ErrMalformedResponse, err)
	}

	raw, ok := payload[powerField]
	if !ok || string(raw) == "null" {
		return 0, fmt.Errorf("%w: missing %s", errors.ErrMalformedResponse, powerField)
	}

	var watts float64
	if err := json.Unmarshal(raw, &watts); err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", errors.ErrMalformedResponse, powerField)
	}
	return watts, nil
}

// mostSpecific picks the failure that tells the operator the most: an auth
// rejection beats a bad payload, which beats a network error.
func mostSpecific(failures []error) error {
	if len(failures) == 0 {
		return errors.ErrUnreachable
	}
	best, bestRank := failures[0], -1
	for _, err := range failures {
		rank := 0
		switch {
		case stderrors.Is(err, errors.ErrAuthFailed):
			rank = 3
		case stderrors.Is(err, errors.ErrMalformedResponse):
			rank = 2
		case stderrors.Is(err, errors.ErrUnreachable):
			rank = 1
		}
		if rank > bestRank {
			best, bestRank = err, rank
		}
	}
	return best
}
