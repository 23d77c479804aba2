package fofa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAPIURL   = "https://fofa.info/api/v1/search/all"
	DefaultInfoURL  = "https://fofa.info/api/v1/info/my"
	DefaultSize     = 10000
	DefaultRateMin  = 2 * time.Second
	DefaultRateMax  = 5 * time.Second
	apiResultFields = "host,ip,port,title,protocol,country_name,region_name,city_name"
)

// Credential is one FOFA account in the rotation pool.
type Credential struct {
	Email string `yaml:"email"`
	Key   string `yaml:"key"`
}

// Mode selects the active search transport. The official API is preferred;
// exhausting its credential pool fails over to web simulation for the rest
// of the process lifetime. There is no path back.
type Mode int

const (
	ModeAPI Mode = iota
	ModeWeb
)

var errPoolExhausted = errors.New("all credentials exhausted")

type ClientConfig struct {
	Mode          Mode
	Credentials   []Credential
	TemplateFiles []string
	APIURL        string
	InfoURL       string
	Size          int
	RateLimitMin  time.Duration
	RateLimitMax  time.Duration
	HTTPClient    *http.Client
}

// Client dispatches search queries against FOFA. Rotation indices are owned
// mutable state on the instance, persisting across calls within one process.
// Not safe for concurrent use; the pipeline is sequential by design.
type Client struct {
	cfg       ClientConfig
	templates []RequestTemplate
	credIndex int
	tmplIndex int
	mode      Mode

	sleep func(time.Duration)
	rng   *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.InfoURL == "" {
		cfg.InfoURL = DefaultInfoURL
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.RateLimitMin <= 0 {
		cfg.RateLimitMin = DefaultRateMin
	}
	if cfg.RateLimitMax < cfg.RateLimitMin {
		cfg.RateLimitMax = DefaultRateMax
	}
	if cfg.RateLimitMax < cfg.RateLimitMin {
		cfg.RateLimitMax = cfg.RateLimitMin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &Client{
		cfg:   cfg,
		mode:  cfg.Mode,
		sleep: time.Sleep,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if c.mode == ModeAPI && len(cfg.Credentials) == 0 {
		return nil, errors.New("api mode requires at least one credential")
	}
	if c.mode == ModeWeb || len(cfg.TemplateFiles) > 0 {
		templates, err := LoadTemplates(cfg.TemplateFiles)
		if err != nil {
			return nil, err
		}
		c.templates = templates
	}
	if c.mode == ModeWeb && len(c.templates) == 0 {
		return nil, errors.New("web mode requires at least one request template")
	}
	return c, nil
}

// Mode reports the currently active transport strategy.
func (c *Client) Mode() Mode { return c.mode }

// BuildQuery returns the simple query form. Exclusion clauses are omitted on
// purpose: FOFA rejects long negated queries with code 820011, so junk
// filtering happens locally after extraction.
func BuildQuery(keyword string) string {
	return fmt.Sprintf(`body="%s"&&body="登录"`, keyword)
}

// Search runs one query through the active strategy and returns the raw
// decoded response plus the literal query syntax used, for provenance.
// A nil result with nil error means total failure for this keyword.
func (c *Client) Search(ctx context.Context, keyword string) (any, string, error) {
	query := BuildQuery(keyword)
	c.rateSleep()

	if c.mode == ModeAPI {
		raw, err := c.searchOfficial(ctx, query)
		if err == nil {
			return raw, query, nil
		}
		if !errors.Is(err, errPoolExhausted) {
			return nil, query, err
		}
		if err := c.failOver(); err != nil {
			return nil, query, err
		}
	}
	raw, err := c.searchWeb(ctx, query)
	return raw, query, err
}

// failOver is the single irreversible transition from API to web mode.
func (c *Client) failOver() error {
	log.Printf("fofa failover strategy=api->web reason=credential_pool_exhausted")
	c.mode = ModeWeb
	if len(c.templates) == 0 {
		templates, err := LoadTemplates(c.cfg.TemplateFiles)
		if err != nil {
			return fmt.Errorf("failover: %w", err)
		}
		if len(templates) == 0 {
			return errors.New("failover: no request templates available")
		}
		c.templates = templates
	}
	return nil
}

func (c *Client) searchOfficial(ctx context.Context, query string) (any, error) {
	qbase64 := base64.StdEncoding.EncodeToString([]byte(query))
	total := len(c.cfg.Credentials)
	if total == 0 {
		return nil, errPoolExhausted
	}

	for attempts := 0; attempts < total; attempts++ {
		cred := c.cfg.Credentials[c.credIndex]
		params := url.Values{}
		params.Set("email", cred.Email)
		params.Set("key", cred.Key)
		params.Set("qbase64", qbase64)
		params.Set("size", strconv.Itoa(c.cfg.Size))
		params.Set("fields", apiResultFields)

		raw, status, err := c.getJSON(ctx, c.cfg.APIURL+"?"+params.Encode())
		if err != nil {
			log.Printf("fofa api_request_error email=%s err=%q", cred.Email, err.Error())
			c.rotateCredential()
			continue
		}
		if status == http.StatusTooManyRequests {
			log.Printf("fofa api_rate_limited email=%s", cred.Email)
			c.sleep(5 * time.Second)
			c.rotateCredential()
			continue
		}
		if status != http.StatusOK {
			log.Printf("fofa api_http_error email=%s status=%d", cred.Email, status)
			c.rotateCredential()
			continue
		}
		if errFlag, errmsg := responseError(raw); errFlag {
			// 820000 is a syntax rejection and 820011 a content-policy one.
			// Both mean the query itself is defective: rotating credentials
			// would only mask that, so short-circuit to an empty result.
			if strings.Contains(errmsg, "820011") || strings.Contains(errmsg, "820000") {
				log.Printf("fofa api_query_rejected errmsg=%q", errmsg)
				return map[string]any{"error": false, "results": []any{}}, nil
			}
			log.Printf("fofa api_key_error email=%s errmsg=%q", cred.Email, errmsg)
			c.rotateCredential()
			continue
		}
		return raw, nil
	}
	log.Printf("fofa api_pool_exhausted credentials=%d", total)
	return nil, errPoolExhausted
}

func (c *Client) searchWeb(ctx context.Context, query string) (any, error) {
	if len(c.templates) == 0 {
		return nil, errors.New("no request templates loaded")
	}
	maxAttempts := len(c.templates) * 2
	for attempts := 0; attempts < maxAttempts; attempts++ {
		tmpl := c.templates[c.tmplIndex]
		raw, status, err := c.postTemplate(ctx, tmpl, query)
		if err == nil && status == http.StatusOK {
			return raw, nil
		}
		if err != nil {
			log.Printf("fofa web_request_error url=%s err=%q", tmpl.URL, err.Error())
		} else {
			log.Printf("fofa web_http_error url=%s status=%d", tmpl.URL, status)
		}
		c.tmplIndex = (c.tmplIndex + 1) % len(c.templates)
		c.sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("all web endpoints failed for query %q", truncate(query, 30))
}

// SelfCheck probes the active channel with a trivial known-good query before
// any productive work. A failure here is fatal to the run: burning quota on
// broken credentials helps nobody.
func (c *Client) SelfCheck(ctx context.Context) error {
	if c.mode == ModeAPI {
		valid := 0
		for _, cred := range c.cfg.Credentials {
			params := url.Values{}
			params.Set("email", cred.Email)
			params.Set("key", cred.Key)
			raw, status, err := c.getJSON(ctx, c.cfg.InfoURL+"?"+params.Encode())
			if err != nil || status != http.StatusOK {
				continue
			}
			if errFlag, _ := responseError(raw); !errFlag {
				valid++
			}
		}
		if valid == 0 {
			return fmt.Errorf("self-check failed: 0/%d api keys valid", len(c.cfg.Credentials))
		}
		log.Printf("fofa self_check_ok mode=api valid_keys=%d/%d", valid, len(c.cfg.Credentials))
		return nil
	}

	if len(c.templates) == 0 {
		return errors.New("self-check failed: no request templates loaded")
	}
	raw, status, err := c.postTemplate(ctx, c.templates[0], `title="baidu"`)
	if err != nil {
		return fmt.Errorf("self-check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("self-check failed: HTTP %d", status)
	}
	if errFlag, errmsg := responseError(raw); errFlag {
		return fmt.Errorf("self-check failed: %s", errmsg)
	}
	blob, _ := json.Marshal(raw)
	if strings.Contains(string(blob), "您未登录网站") {
		return errors.New("self-check failed: cookie invalid (not logged in)")
	}
	log.Printf("fofa self_check_ok mode=web url=%s", c.templates[0].URL)
	return nil
}

func (c *Client) rotateCredential() {
	if n := len(c.cfg.Credentials); n > 0 {
		c.credIndex = (c.credIndex + 1) % n
	}
}

// rateSleep applies the randomized inter-request delay regardless of the
// active strategy, to stay under FOFA's abuse thresholds.
func (c *Client) rateSleep() {
	min := c.cfg.RateLimitMin
	max := c.cfg.RateLimitMax
	d := min
	if max > min {
		d = min + time.Duration(c.rng.Int63n(int64(max-min)))
	}
	c.sleep(d)
}

func (c *Client) getJSON(ctx context.Context, rawURL string) (any, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	return c.do(req)
}

func (c *Client) postTemplate(ctx context.Context, tmpl RequestTemplate, query string) (any, int, error) {
	form := tmpl.FormData(query)
	req, err := http.NewRequestWithContext(ctx, tmpl.Method, tmpl.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	for k, v := range tmpl.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (any, int, error) {
	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 64<<20))
	if res.StatusCode != http.StatusOK {
		return nil, res.StatusCode, nil
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, res.StatusCode, fmt.Errorf("response not JSON: %s", truncate(string(b), 100))
	}
	return raw, res.StatusCode, nil
}

func responseError(raw any) (bool, string) {
	m, ok := raw.(map[string]any)
	if !ok {
		return false, ""
	}
	errFlag, _ := m["error"].(bool)
	if !errFlag {
		return false, ""
	}
	errmsg, _ := m["errmsg"].(string)
	return true, errmsg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
