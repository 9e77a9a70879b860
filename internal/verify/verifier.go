// Package verify checks agent-proposed citation URLs for liveness and
// substitutes fallbacks for dead links. Verification is best-effort: it
// degrades, it never fails a turn.
package verify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/govanswers/govanswers/config"
)

// Confidence bands assigned by the verifier itself.
const (
	ConfidenceError      = "0.0" // internal failure, URL returned unverified
	ConfidenceNoFallback = "0.1" // dead URL with no usable fallback
	ConfidenceFallback   = "0.5" // ancestor or search-page substitute
	ConfidenceLive       = "1.0" // original URL resolved and live
)

// Result is the outcome of verifying one citation URL. URL is nil when the
// input was nil or no live page could be found.
type Result struct {
	URL        *string
	Confidence *string
}

// CheckOutcome reports one liveness probe.
type CheckOutcome struct {
	Live     bool
	FinalURL string // redirect-resolved
}

// Checker probes a single URL for liveness and known dead-end pages.
type Checker interface {
	Check(ctx context.Context, rawURL string) (CheckOutcome, error)
}

// Verifier resolves citation URLs through a Checker and an ancestor-walking
// fallback strategy.
type Verifier struct {
	checker Checker
	logger  *log.Logger
}

func New(checker Checker) *Verifier {
	return &Verifier{
		checker: checker,
		logger:  log.New(log.Writer(), "[VERIFY] ", log.LstdFlags),
	}
}

// Verify checks a citation URL. A nil input returns a nil Result without any
// network traffic. Internal failures return the original URL with the error
// confidence band instead of an error.
func (v *Verifier) Verify(ctx context.Context, rawURL *string, language string) Result {
	if rawURL == nil || strings.TrimSpace(*rawURL) == "" {
		return Result{}
	}
	original := strings.TrimSpace(*rawURL)

	outcome, err := v.checker.Check(ctx, original)
	if err != nil {
		v.logger.Printf("check failed for %s: %v", original, err)
		conf := ConfidenceError
		return Result{URL: &original, Confidence: &conf}
	}
	if outcome.Live {
		final := outcome.FinalURL
		if final == "" {
			final = original
		}
		conf := ConfidenceLive
		return Result{URL: &final, Confidence: &conf}
	}

	fallback, err := v.findFallback(ctx, original, language)
	if err != nil {
		v.logger.Printf("fallback search failed for %s: %v", original, err)
		conf := ConfidenceError
		return Result{URL: &original, Confidence: &conf}
	}
	if fallback == "" {
		conf := ConfidenceNoFallback
		return Result{Confidence: &conf}
	}
	conf := ConfidenceFallback
	return Result{URL: &fallback, Confidence: &conf}
}

// findFallback walks ancestor paths of a dead URL looking for the nearest
// live section page, ending at the canonical search page for the language.
func (v *Verifier) findFallback(ctx context.Context, rawURL, language string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return searchPage(language), nil
	}

	p := parsed.Path
	for {
		parent := path.Dir(strings.TrimSuffix(p, "/"))
		if parent == p || parent == "." || parent == "/" || parent == "" {
			break
		}
		p = parent

		candidate := *parsed
		candidate.Path = p
		candidate.RawQuery = ""
		candidate.Fragment = ""
		outcome, err := v.checker.Check(ctx, candidate.String())
		if err != nil {
			return "", err
		}
		if outcome.Live {
			if outcome.FinalURL != "" {
				return outcome.FinalURL, nil
			}
			return candidate.String(), nil
		}
	}
	return searchPage(language), nil
}

func searchPage(language string) string {
	if strings.HasPrefix(strings.ToLower(language), "fr") {
		return "https://www.canada.ca/fr/sr/srb.html"
	}
	return "https://www.canada.ca/en/sr/srb.html"
}

// HTTPChecker probes URLs over HTTP, following a bounded number of redirects
// and flagging known dead-end pages that answer 200.
type HTTPChecker struct {
	client         *http.Client
	deadEndMarkers []string
	userAgent      string
}

func NewHTTPChecker(cfg config.VerificationConfig) *HTTPChecker {
	cfg = cfg.Normalize()
	markers := cfg.DeadEndMarkers
	if len(markers) == 0 {
		markers = []string{"/errors/404", "page-not-found", "pagenotfound"}
	}
	maxRedirects := cfg.MaxRedirects
	return &HTTPChecker{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		deadEndMarkers: markers,
		userAgent:      cfg.UserAgent,
	}
}

func (c *HTTPChecker) Check(ctx context.Context, rawURL string) (CheckOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return CheckOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return CheckOutcome{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	final := resp.Request.URL.String()
	if resp.StatusCode >= 400 {
		return CheckOutcome{Live: false, FinalURL: final}, nil
	}
	lowered := strings.ToLower(final)
	for _, marker := range c.deadEndMarkers {
		if strings.Contains(lowered, marker) {
			return CheckOutcome{Live: false, FinalURL: final}, nil
		}
	}
	return CheckOutcome{Live: true, FinalURL: final}, nil
}
