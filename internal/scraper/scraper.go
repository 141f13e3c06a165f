// Package scraper implements the offline indexing pipeline: crawl the
// documentation site from its sitemap, convert pages to Markdown,
// chunk them, embed the chunks, and write the artifact triple the
// retrieval service loads at startup.
package scraper

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"github.com/docstral/docstral/internal/config"
	"github.com/docstral/docstral/internal/log"
)

const (
	userAgent        = "docstral-indexer/1.0"
	maxResponseBytes = 5 * 1024 * 1024

	// Pages whose converted Markdown is shorter than this carry no
	// useful content (redirect stubs, empty index pages).
	minPageChars = 50
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Page is one scraped documentation page, converted to Markdown.
type Page struct {
	URL      string
	Title    string
	Section  string
	Markdown string
}

// Scraper crawls documentation pages and converts them to Markdown.
type Scraper struct {
	cfg       config.ScraperConfig
	converter *md.Converter
	http      *http.Client
	logger    log.Logger
}

func New(cfg config.ScraperConfig, logger log.Logger) *Scraper {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Scraper{
		cfg:       cfg,
		converter: md.NewConverter("", true, nil),
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// Crawl fetches every URL and returns the pages that yielded usable
// content. Fetch and parse failures are logged and skipped; a partial
// crawl still produces a working index.
func (s *Scraper) Crawl(urls []string) ([]Page, error) {
	if s.cfg.MaxPages > 0 && len(urls) > s.cfg.MaxPages {
		urls = urls[:s.cfg.MaxPages]
	}

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.Async(true),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(maxResponseBytes),
	)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.Parallelism,
		Delay:       s.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("configure crawl limits: %w", err)
	}

	var (
		mu    sync.Mutex
		pages []Page
	)

	c.OnResponse(func(r *colly.Response) {
		page, err := s.extractPage(r.Request.URL, r.Body)
		if err != nil {
			s.logger.Warn("page skipped", "url", r.Request.URL, "error", err)
			return
		}
		mu.Lock()
		pages = append(pages, *page)
		mu.Unlock()
	})
	c.OnError(func(r *colly.Response, err error) {
		s.logger.Warn("fetch failed", "url", r.Request.URL, "error", err)
	})

	for _, u := range urls {
		if err := c.Visit(u); err != nil {
			s.logger.Warn("visit rejected", "url", u, "error", err)
		}
	}
	c.Wait()

	if len(pages) == 0 {
		return nil, fmt.Errorf("crawl produced no usable pages")
	}
	s.logger.Info("crawl finished", "requested", len(urls), "extracted", len(pages))
	return pages, nil
}

// extractPage pulls the main content out of a page and converts it to
// Markdown. Title and section path come from the full document before
// readability strips the chrome.
func (s *Scraper) extractPage(pageURL *url.URL, body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	section := extractSectionPath(doc)

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}
	if title == "" {
		title = strings.TrimSpace(article.Title)
	}

	markdown, err := s.converter.ConvertString(article.Content)
	if err != nil {
		return nil, fmt.Errorf("convert to Markdown: %w", err)
	}
	markdown = strings.TrimSpace(blankRuns.ReplaceAllString(markdown, "\n\n"))

	if len(markdown) < minPageChars {
		return nil, fmt.Errorf("content too small (%d chars)", len(markdown))
	}

	return &Page{
		URL:      pageURL.String(),
		Title:    title,
		Section:  section,
		Markdown: markdown,
	}, nil
}

// extractSectionPath builds a hierarchical location for citations,
// preferring the breadcrumb trail over raw headings.
func extractSectionPath(doc *goquery.Document) string {
	var parts []string

	doc.Find("nav.breadcrumb a, ol.breadcrumb a").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			parts = append(parts, text)
		}
	})

	if len(parts) == 0 {
		for _, tag := range []string{"h1", "h2"} {
			if text := strings.TrimSpace(doc.Find(tag).First().Text()); text != "" {
				parts = append(parts, text)
			}
		}
	}

	return strings.Join(parts, " > ")
}
