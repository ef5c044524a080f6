// Package render turns search results into display records.
package render

import (
	"context"
	"fmt"

	"github.com/fly-io/imgsearch/pkg/gateway"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultFallbackImage replaces any result image that fails to load.
	DefaultFallbackImage = "https://via.placeholder.com/150?text=No+Image"

	// NoResultsMessage is shown for an empty result set.
	NoResultsMessage = "no similar images found"

	defaultConcurrency = 4
)

// Item is one displayable search result.
type Item struct {
	Rank       int
	ID         string
	Similarity string
	Distance   string
	ImageURL   string
	Fallback   bool
}

// Outcome is what a successful search displays: either a list of items or
// the explicit empty outcome.
type Outcome struct {
	Empty bool
	Items []Item
}

// Message returns the text to show in place of the list, or "" when there are items.
func (o Outcome) Message() string {
	if o.Empty {
		return NoResultsMessage
	}
	return ""
}

// Resolver turns a result path into an absolute, displayable URL.
type Resolver interface {
	Resolve(path string) string
}

// Prober reports whether an image URL can be displayed.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// Renderer formats results and substitutes the fallback image for items
// whose image does not load.
type Renderer struct {
	resolver    Resolver
	prober      Prober
	fallback    string
	concurrency int
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithProber enables per-item image probing.
func WithProber(p Prober) Option {
	return func(r *Renderer) { r.prober = p }
}

// WithFallback overrides the fallback image URL.
func WithFallback(url string) Option {
	return func(r *Renderer) {
		if url != "" {
			r.fallback = url
		}
	}
}

// WithConcurrency bounds the number of probes in flight.
func WithConcurrency(n int) Option {
	return func(r *Renderer) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Renderer. Without a prober no item falls back.
func New(resolver Resolver, opts ...Option) *Renderer {
	r := &Renderer{
		resolver:    resolver,
		fallback:    DefaultFallbackImage,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render maps results to display records in their original order.
func (r *Renderer) Render(ctx context.Context, results []gateway.ImageResult) Outcome {
	if len(results) == 0 {
		return Outcome{Empty: true}
	}

	items := make([]Item, len(results))
	for i, res := range results {
		items[i] = Item{
			Rank:       i + 1,
			ID:         string(res.ID),
			Similarity: FormatSimilarity(res.Similarity),
			Distance:   FormatDistance(res.Distance),
			ImageURL:   r.resolve(res.Path),
		}
	}

	if r.prober != nil {
		r.probe(ctx, items)
	}
	return Outcome{Items: items}
}

// probe checks every item's image concurrently. Each goroutine writes only its
// own slot, so one failure never touches a sibling.
func (r *Renderer) probe(ctx context.Context, items []Item) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range items {
		g.Go(func() error {
			if items[i].ImageURL == "" || r.prober.Probe(gctx, items[i].ImageURL) != nil {
				items[i].ImageURL = r.fallback
				items[i].Fallback = true
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Renderer) resolve(path string) string {
	if path == "" || r.resolver == nil {
		return path
	}
	return r.resolver.Resolve(path)
}

// FormatSimilarity renders a similarity score in [0,1] as a percentage with
// two decimals.
func FormatSimilarity(s float64) string {
	return fmt.Sprintf("%.2f%%", s*100)
}

// FormatDistance renders a distance with four decimals.
func FormatDistance(d float64) string {
	return fmt.Sprintf("%.4f", d)
}
