package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fly-io/imgsearch/pkg/errors"
)

// HTTPProber loads an image URL and requires a 2xx image response.
type HTTPProber struct {
	Client *http.Client
}

// NewHTTPProber returns a prober using client, or http.DefaultClient when nil.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{Client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build probe request")
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to fetch image")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("image returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return fmt.Errorf("unexpected content type %q", ct)
	}
	return nil
}
