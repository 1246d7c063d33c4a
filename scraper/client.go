package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v5"

	"dyrt_scraper/config"
	"dyrt_scraper/models"
)

// Client fetches campground listings from the source's search API. It is
// safe for use by a single run at a time; the coordinator guarantees that.
type Client struct {
	cfg    config.SourceConfig
	client *http.Client
}

func NewClient(cfg config.SourceConfig, httpClient *http.Client) *Client {
	return &Client{cfg: cfg, client: httpClient}
}

// Bootstrap warms the session by visiting the search page before hitting
// the API. The source sets its session cookies there; the client's jar
// carries them into the API calls. Failure is not fatal, the API usually
// answers without them.
func (c *Client) Bootstrap(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.SearchPath, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bootstrap: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("bootstrap: parse search page: %w", err)
	}

	title := doc.Find("title").First().Text()
	cookies := 0
	if c.client.Jar != nil {
		cookies = len(c.client.Jar.Cookies(req.URL))
	}
	log.Printf("scraper: session bootstrapped (page %q, %d cookies)", title, cookies)
	return nil
}

// searchResponse is the JSON:API envelope around a page of listings.
type searchResponse struct {
	Data []models.RawListing `json:"data"`
	Meta struct {
		RecordCount int `json:"record-count"`
	} `json:"meta"`
}

// FetchPage retrieves one page of listings. Transient failures (network
// errors, 429, 5xx) are retried with exponential backoff; any other
// non-2xx status fails immediately. The returned error is always a
// *FetchError once retries are spent.
func (c *Client) FetchPage(ctx context.Context, page int) ([]models.RawListing, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BackoffBase
	exp.MaxInterval = c.cfg.BackoffMax

	listings, err := backoff.Retry(ctx, func() ([]models.RawListing, error) {
		return c.fetchPageOnce(ctx, page)
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(c.cfg.MaxAttempts)))
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{Page: page, Err: err}
		}
		return nil, err
	}
	return listings, nil
}

func (c *Client) fetchPageOnce(ctx context.Context, page int) ([]models.RawListing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.APIPath, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.URL.RawQuery = c.searchQuery(page).Encode()
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{Page: page, Status: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Printf("scraper: page %d rejected (%d): %s", page, resp.StatusCode, body)
		return nil, backoff.Permanent(&FetchError{Page: page, Status: resp.StatusCode})
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// A mangled body is worth one more try; truncated responses happen.
		return nil, &FetchError{Page: page, Err: fmt.Errorf("decode: %w", err)}
	}
	return result.Data, nil
}

// searchQuery builds the API query for one page. The filter params mirror
// the search UI's defaults; the source returns nothing without them.
func (c *Client) searchQuery(page int) url.Values {
	q := url.Values{}
	q.Set("filter[search][bbox]", c.cfg.Bounds.BBox())
	q.Set("filter[search][drive_time]", "any")
	q.Set("filter[search][air_quality]", "any")
	q.Set("filter[search][electric_amperage]", "any")
	q.Set("filter[search][max_vehicle_length]", "any")
	q.Set("filter[search][price]", "any")
	q.Set("filter[search][rating]", "any")
	q.Set("sort", "recommended")
	q.Set("page[size]", strconv.Itoa(c.cfg.PageSize))
	q.Set("page[number]", strconv.Itoa(page))
	return q
}

func (c *Client) setHeaders(req *http.Request) {
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// Pages walks the result set page by page, invoking fn for each non-empty
// page. Iteration stops on the first empty or short page, on a fetch
// error, or when fn returns an error.
func (c *Client) Pages(ctx context.Context, fn func(page int, listings []models.RawListing) error) error {
	for page := 1; ; page++ {
		listings, err := c.FetchPage(ctx, page)
		if err != nil {
			return err
		}
		if len(listings) == 0 {
			log.Printf("scraper: no more listings at page %d", page)
			return nil
		}

		if err := fn(page, listings); err != nil {
			return err
		}

		if len(listings) < c.cfg.PageSize {
			log.Printf("scraper: partial page %d, fetch complete", page)
			return nil
		}
	}
}
