package scraper

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/xhad/sift/internal/models"
	"github.com/yuin/goldmark"
)

type CleanerConfig struct {
	// Selectors are tried in order to find the main content area. The body
	// is used when none matches.
	Selectors []string
	// NoisePatterns are literal strings removed from the extracted text.
	NoisePatterns []string
	// IncludeTitle prefixes the text with the page title when it is not
	// already part of the content.
	IncludeTitle bool
}

// Cleaner reduces fetched pages to plain text.
type Cleaner struct {
	config   CleanerConfig
	markdown goldmark.Markdown
}

func NewCleaner(config CleanerConfig) *Cleaner {
	if len(config.Selectors) == 0 {
		config.Selectors = []string{
			"main",
			"article",
			"[role=main]",
			".content",
			"#content",
			".documentation",
			"#documentation",
		}
	}
	if config.NoisePatterns == nil {
		config.NoisePatterns = []string{
			"Cookie Policy",
			"Accept Cookies",
			"Privacy Policy",
			"Terms of Service",
		}
	}

	return &Cleaner{
		config:   config,
		markdown: goldmark.New(),
	}
}

// Clean extracts readable text from page according to its media type.
func (c *Cleaner) Clean(page models.Page) (string, error) {
	switch page.ContentType {
	case "text/html", "application/xhtml+xml", "":
		return c.cleanHTML(page.Body)
	case "text/markdown", "text/x-markdown":
		var buf bytes.Buffer
		if err := c.markdown.Convert(page.Body, &buf); err != nil {
			return "", fmt.Errorf("%w: rendering markdown from %s: %w", models.ErrFetch, page.URL, err)
		}
		return c.cleanHTML(buf.Bytes())
	case "application/pdf":
		return c.cleanPDF(page)
	}

	if strings.HasPrefix(page.ContentType, "text/") {
		return c.cleanContent(string(page.Body)), nil
	}
	return "", fmt.Errorf("%w: unsupported content type %q for %s", models.ErrFetch, page.ContentType, page.URL)
}

// blockElements get a separator appended so their text does not run into
// the next element's.
const blockElements = "address, article, aside, blockquote, br, dd, div, dl, dt, figcaption, " +
	"figure, h1, h2, h3, h4, h5, h6, hr, li, main, ol, p, pre, section, table, td, th, tr, ul"

func (c *Cleaner) cleanHTML(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: parsing HTML: %w", models.ErrFetch, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, noscript, template, iframe, svg, nav, footer, form").Remove()
	doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml(" ")
	})

	content := c.extractMainContent(doc)
	if c.config.IncludeTitle && title != "" && !strings.Contains(content, title) {
		content = strings.TrimSpace(title + ". " + content)
	}
	return content, nil
}

func (c *Cleaner) extractMainContent(doc *goquery.Document) string {
	var content string
	for _, selector := range c.config.Selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = c.cleanContent(selected.Text())
			if content != "" {
				return content
			}
		}
	}

	// Fallback to body if no main content found
	return c.cleanContent(doc.Find("body").Text())
}

func (c *Cleaner) cleanPDF(page models.Page) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(page.Body), int64(len(page.Body)))
	if err != nil {
		return "", fmt.Errorf("%w: opening PDF %s: %w", models.ErrFetch, page.URL, err)
	}

	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: reading PDF %s: %w", models.ErrFetch, page.URL, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("%w: reading PDF %s: %w", models.ErrFetch, page.URL, err)
	}
	return c.cleanContent(buf.String()), nil
}

func (c *Cleaner) cleanContent(content string) string {
	for _, pattern := range c.config.NoisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	// Remove extra whitespace
	return strings.Join(strings.Fields(content), " ")
}
