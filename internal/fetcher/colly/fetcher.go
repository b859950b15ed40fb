// Package collyfetcher implements harvest.Fetcher against the paginated remote
// data API using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/plan"
)

// Config controls collector behavior.
type Config struct {
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	// Headers are added to every request (API keys and the like).
	Headers http.Header
}

// Fetcher implements harvest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	base          *url.URL
	baseCollector *colly.Collector
	now           func() time.Time
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	// Clones share the base backend, so the client timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &Fetcher{cfg: cfg, base: base, baseCollector: c, now: time.Now}, nil
}

// FetchPage requests one page and decodes its envelope. Failures are returned as
// *harvest.FetchError so the retry policy can classify them.
func (f *Fetcher) FetchPage(ctx context.Context, request harvest.PageRequest) (harvest.Page, error) {
	target, err := f.BuildURL(request)
	if err != nil {
		return harvest.Page{}, &harvest.FetchError{Kind: harvest.FetchClient, Err: err}
	}

	var (
		page     harvest.Page
		body     []byte
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, request, &page, &body, &fetchErr)

	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return harvest.Page{}, err
	}
	page.Duration = time.Since(start)

	env, err := decodeEnvelope(body, request.PageNumber)
	if err != nil {
		return harvest.Page{}, &harvest.FetchError{Kind: harvest.FetchDecode, StatusCode: page.StatusCode, Err: err}
	}
	page.Records = env.records
	page.CurrentPage = env.currentPage
	page.TotalPages = env.totalPages
	page.HasNext = env.hasNext
	page.Payload = body
	return page, nil
}

// BuildURL expands the endpoint path template and attaches the page query.
func (f *Fetcher) BuildURL(request harvest.PageRequest) (string, error) {
	task := request.Task
	start := task.DataDate.UTC()
	end := plan.BucketEnd(start, request.Endpoint.Granularity)

	template := request.Endpoint.PathTemplate
	if template == "" {
		template = "/{endpoint}"
	}
	expanded := strings.NewReplacer(
		"{endpoint}", request.Endpoint.Name,
		"{date}", start.Format(time.DateOnly),
		"{variant}", task.VariantValue(),
	).Replace(template)
	if strings.ContainsAny(expanded, "?#{}") {
		return "", fmt.Errorf("path template %q expands to invalid path %q", template, expanded)
	}

	u := *f.base
	u.Path = strings.TrimSuffix(f.base.Path, "/") + "/" + strings.TrimPrefix(expanded, "/")
	u.RawPath = ""

	q := u.Query()
	q.Set("start_date", start.Format(time.DateOnly))
	q.Set("end_date", end.Format(time.DateOnly))
	q.Set("page_number", strconv.Itoa(max(request.PageNumber, 1)))
	if request.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(request.PageSize))
	}
	if task.Variant != nil {
		q.Set("variant", *task.Variant)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request harvest.PageRequest,
	page *harvest.Page,
	body *[]byte,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
		r.Headers.Set("Accept", "application/json")
		if request.RequestID != "" {
			r.Headers.Set("X-Request-ID", request.RequestID)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		page.StatusCode = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = f.classify(r, err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		// The visit cannot be aborted. Wait for it, bounded by the request
		// timeout, so the caller's concurrency slot covers the whole request.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return &harvest.FetchError{Kind: harvest.FetchTransient, Err: fmt.Errorf("colly visit failed: %w", err)}
		}
		return nil
	}
}

// classify maps a failed response to the fetch error taxonomy.
func (f *Fetcher) classify(r *colly.Response, err error) *harvest.FetchError {
	status := 0
	if r != nil {
		status = r.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if r.Headers != nil {
			retryAfter = parseRetryAfter(r.Headers.Get("Retry-After"), f.now())
		}
		return &harvest.FetchError{Kind: harvest.FetchRateLimited, StatusCode: status, RetryAfter: retryAfter, Err: err}
	case status >= 500, status == http.StatusRequestTimeout:
		return &harvest.FetchError{Kind: harvest.FetchTransient, StatusCode: status, Err: err}
	case status >= 400:
		return &harvest.FetchError{Kind: harvest.FetchClient, StatusCode: status, Err: err}
	case status == 0:
		// No response at all: connection refused, reset or timed out.
		return &harvest.FetchError{Kind: harvest.FetchTransient, Err: err}
	default:
		return &harvest.FetchError{Kind: harvest.FetchDecode, StatusCode: status, Err: fmt.Errorf("unexpected status: %w", err)}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
