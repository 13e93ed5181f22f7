// Package czech queries the Czech Ministry of the Interior foreigners portal
// (frs.gov.cz) for visa and residence-permit application status.
//
// A lookup is two requests: GET the status page to discover the query form,
// then POST the application number to the form action and scrape the result
// block.
package czech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"casewatch/internal/plugin"
	logx "casewatch/pkg/logx"
)

const (
	Code = "CZ"

	KindVisa      = "visa"
	KindResidence = "residence"

	DefaultBaseURL   = "https://frs.gov.cz"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultTimeout   = 30 * time.Second

	maxBody = 2 << 20
)

var (
	paths = map[string]string{
		KindVisa:      "/en/visa-application-status",
		KindResidence: "/en/residence-permit-status",
	}

	patterns = map[string][]*regexp.Regexp{
		KindVisa: {
			regexp.MustCompile(`^[A-Z]{3}\d{9}$`),
			regexp.MustCompile(`^[A-Z]{4}\d{12}$`),
		},
		KindResidence: {
			regexp.MustCompile(`^[A-Z]{2}\d{8}$`),
		},
	}
)

type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// Client overrides the HTTP client (tests). Timeout is ignored when set.
	Client *http.Client
}

type Plugin struct {
	base   *url.URL
	ua     string
	client *http.Client
	log    logx.Logger
}

var _ plugin.Jurisdiction = (*Plugin)(nil)

func New(cfg Config, log logx.Logger) (*Plugin, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("czech: invalid base url %q", cfg.BaseURL)
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Plugin{base: base, ua: ua, client: client, log: log.With(logx.Jurisdiction(Code))}, nil
}

func (p *Plugin) Code() string         { return Code }
func (p *Plugin) Name() string         { return "Czech Republic" }
func (p *Plugin) QueryKinds() []string { return []string{KindVisa, KindResidence} }

// DefaultLimits follows the portal's published guidance: 10 requests per
// minute, at most 2 in parallel.
func (p *Plugin) DefaultLimits() plugin.Limits {
	return plugin.Limits{RatePerMinute: 10, Burst: 2, MaxConcurrent: 2}
}

func (p *Plugin) Validate(code, kind string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, re := range patterns[strings.ToLower(kind)] {
		if re.MatchString(code) {
			return true
		}
	}
	return false
}

func (p *Plugin) Fetch(ctx context.Context, code, kind string) (plugin.Result, error) {
	path, ok := paths[kind]
	if !ok {
		return plugin.Result{}, plugin.Permanent(Code, 0, fmt.Errorf("unsupported query kind %q", kind))
	}
	pageURL := p.base.ResolveReference(&url.URL{Path: path})

	page, err := p.do(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return plugin.Result{}, err
	}
	f, err := extractForm(page, pageURL, code, kind)
	if err != nil {
		return plugin.Result{}, plugin.Permanent(Code, 0, err)
	}
	p.log.Debug("submitting status form", logx.String("action", f.action), logx.Int("fields", len(f.values)))

	body, err := p.do(ctx, http.MethodPost, f.action, f.values)
	if err != nil {
		return plugin.Result{}, err
	}
	return parseResult(body), nil
}

func (p *Plugin) do(ctx context.Context, method, target string, form url.Values) (string, error) {
	var rd io.Reader
	if form != nil {
		rd = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return "", plugin.Permanent(Code, 0, err)
	}
	req.Header.Set("User-Agent", p.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,cs;q=0.8")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", plugin.Transient(Code, 0, err)
	}
	defer resp.Body.Close()

	b, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err := classify(resp); err != nil {
		return "", err
	}
	if rerr != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", plugin.Transient(Code, resp.StatusCode, rerr)
	}
	return string(b), nil
}

func classify(resp *http.Response) error {
	sc := resp.StatusCode
	switch {
	case sc >= 200 && sc < 300:
		return nil
	case sc == http.StatusTooManyRequests:
		return &plugin.TransientFetchError{
			Jurisdiction: Code,
			StatusCode:   sc,
			After:        parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:          errors.New(http.StatusText(sc)),
		}
	case sc >= 500:
		return plugin.Transient(Code, sc, errors.New(http.StatusText(sc)))
	default:
		return plugin.Permanent(Code, sc, errors.New(http.StatusText(sc)))
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
