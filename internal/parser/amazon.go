package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/maltedev/price-tracker/internal/apperrors"
)

const (
	titleSelector        = "#productTitle"
	availabilitySelector = "#availability"
	fractionSelector     = ".a-price-fraction"
)

// The buy-box price is preferred over the first price on the page, which
// can belong to a bundle or a sponsored carousel.
var wholeSelectors = []string{
	"#corePriceDisplay_desktop_feature_div .a-price-whole",
	"#corePrice_feature_div .a-price-whole",
	"#corePrice_desktop .a-price-whole",
	"#apex_desktop .a-price-whole",
	".a-price-whole",
}

var imageSelectors = []string{
	"#landingImage",
	"#imgBlkFront",
	"#main-image",
}

// Phrases in the availability block meaning the listing cannot be bought.
var unavailableMarkers = []string{
	"currently unavailable",
	"derzeit nicht verfügbar",
	"momentan nicht verfügbar",
	"actuellement indisponible",
	"no disponible",
	"non disponibile",
	"niet beschikbaar",
}

var captchaSelectors = []string{
	"#captchacharacters",
	"form[action*='validateCaptcha']",
	"form[action*='Captcha']",
}

// AmazonParser reads Amazon product page markup.
type AmazonParser struct{}

func NewAmazonParser() *AmazonParser {
	return &AmazonParser{}
}

// Extract reads a product detail page. Availability is checked before the
// price so an unavailable listing never reports a stale price.
func (p *AmazonParser) Extract(doc *goquery.Document, mode Mode) (*Listing, error) {
	if IsUnavailable(doc) {
		return nil, apperrors.New(apperrors.Unavailable, "product is currently unavailable")
	}

	listing := &Listing{}

	if mode == ModeFull {
		title := p.extractTitle(doc)
		if title == "" {
			return nil, apperrors.New(apperrors.ParseError, "product title not found")
		}
		listing.Title = title
	}

	price, err := p.extractPrice(doc)
	if err != nil {
		return nil, err
	}
	listing.Price = price

	if mode == ModeFull {
		listing.ImageURL = p.extractImage(doc)
	}

	return listing, nil
}

func (p *AmazonParser) extractTitle(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find(titleSelector).First().Text())
}

func (p *AmazonParser) extractPrice(doc *goquery.Document) (decimal.Decimal, error) {
	for _, selector := range wholeSelectors {
		whole := doc.Find(selector).First()
		if whole.Length() == 0 {
			continue
		}

		fraction := whole.Closest(".a-price").Find(fractionSelector).First()
		if fraction.Length() == 0 {
			fraction = doc.Find(fractionSelector).First()
		}

		return ParsePrice(whole.Text(), fraction.Text())
	}

	return decimal.Zero, apperrors.New(apperrors.PriceNotFound, "price element not found")
}

// ParsePrice combines the whole and fractional fragments of a displayed
// price. Everything except digits is dropped from both, so "1,299." and "99"
// give 1299.99. A missing fraction reads as "00"; a fraction with more than
// two digits is a PriceParseError.
func ParsePrice(whole, fraction string) (decimal.Decimal, error) {
	w := digitsOnly(whole)
	if w == "" {
		return decimal.Zero, apperrors.New(apperrors.PriceParseError, fmt.Sprintf("no digits in price %q", whole))
	}

	f := digitsOnly(fraction)
	switch {
	case f == "":
		f = "00"
	case len(f) > 2:
		return decimal.Zero, apperrors.New(apperrors.PriceParseError, fmt.Sprintf("price fraction %q has more than two digits", fraction))
	}

	price, err := decimal.NewFromString(w + "." + f)
	if err != nil {
		return decimal.Zero, apperrors.Wrap(err, apperrors.PriceParseError, fmt.Sprintf("invalid price %q.%q", whole, fraction))
	}

	return price.Round(2), nil
}

func (p *AmazonParser) extractImage(doc *goquery.Document) string {
	for _, selector := range imageSelectors {
		img := doc.Find(selector).First()
		if img.Length() == 0 {
			continue
		}

		if src, ok := img.Attr("data-old-hires"); ok && isRemoteURL(src) {
			return src
		}
		if src, ok := img.Attr("src"); ok && isRemoteURL(src) {
			return src
		}
		if dynamic, ok := img.Attr("data-a-dynamic-image"); ok {
			if src := firstDynamicImage(dynamic); src != "" {
				return src
			}
		}
	}
	return ""
}

// firstDynamicImage picks the largest image from the data-a-dynamic-image
// attribute, a JSON object mapping URL to [width, height].
func firstDynamicImage(raw string) string {
	var images map[string][]int
	if err := json.Unmarshal([]byte(raw), &images); err != nil {
		return ""
	}

	best, bestArea := "", -1
	for src, size := range images {
		area := 0
		if len(size) == 2 {
			area = size[0] * size[1]
		}
		if area > bestArea || (area == bestArea && src < best) {
			best, bestArea = src, area
		}
	}
	return best
}

// IsUnavailable reports whether the availability block says the listing
// cannot be bought. A missing block is not treated as unavailable.
func IsUnavailable(doc *goquery.Document) bool {
	text := strings.ToLower(normalizeSpace(doc.Find(availabilitySelector).First().Text()))
	if text == "" {
		return false
	}
	for _, marker := range unavailableMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether the page is a robot check instead of a product.
func IsBlocked(doc *goquery.Document) bool {
	for _, selector := range captchaSelectors {
		if doc.Find(selector).Length() > 0 {
			return true
		}
	}

	title := strings.ToLower(doc.Find("title").First().Text())
	return strings.Contains(title, "robot check") || strings.Contains(title, "tut uns leid")
}

// ReadySelector is the element whose presence means the page has rendered
// enough for the given mode.
func ReadySelector(mode Mode) string {
	if mode == ModePriceOnly {
		return ".a-price-whole, " + availabilitySelector
	}
	return titleSelector
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isRemoteURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
