package connectivity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/nettest"
)

// RoutedLink reports a link as up when the host has an up interface with a
// route for IP traffic.
type RoutedLink struct{}

func (RoutedLink) LinkUp(context.Context) bool {
	_, err := nettest.RoutedInterface("ip", net.FlagUp)
	return err == nil
}

// HTTPProber issues a GET against a health URL. Any response below 500
// counts as reachable: the service answered.
type HTTPProber struct {
	URL      string
	Client   *http.Client
	Timeout  time.Duration // per attempt
	MaxTries uint
	// InitialInterval is the first backoff delay between attempts.
	InitialInterval time.Duration
}

// NewHTTPProber returns a prober with three attempts and a short backoff.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:             url,
		Client:          &http.Client{},
		Timeout:         timeout,
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxInterval = 2 * time.Second

	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.probeOnce(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}

func (p *HTTPProber) probeOnce(ctx context.Context) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building probe request: %w", err))
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probing %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}
