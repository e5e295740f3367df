// Package render holds configuration shared by the RenderTarget backends.
package render

import (
	"context"
	"errors"
)

// Selectors are CSS selectors that locate page content. They are plain
// configuration; nothing in the crawler knows about particular sites.
type Selectors struct {
	// Ready must match before the page is considered to have content.
	Ready string `mapstructure:"ready"`
	Title string `mapstructure:"title"`
	// Body may match several elements; their texts are joined with blank lines.
	Body string `mapstructure:"body"`
	// Next matches the anchor whose href leads to the following page.
	Next string `mapstructure:"next"`
}

// DefaultSelectors returns selectors for a generic article layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Ready: "h1",
		Title: "h1",
		Body:  "article p",
		Next:  `a[rel="next"]`,
	}
}

// WithDefaults fills empty selectors from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	d := DefaultSelectors()
	if s.Ready == "" {
		s.Ready = d.Ready
	}
	if s.Title == "" {
		s.Title = d.Title
	}
	if s.Body == "" {
		s.Body = d.Body
	}
	if s.Next == "" {
		s.Next = d.Next
	}
	return s
}

// Limiter budgets navigations per host.
type Limiter interface {
	Wait(ctx context.Context, locator string) error
}

// ErrUnknownHandle is returned when a handle was never opened or already closed.
var ErrUnknownHandle = errors.New("unknown render handle")
