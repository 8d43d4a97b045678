package fetcher

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/maltedev/price-tracker/internal/apperrors"
)

var (
	hostPattern = regexp.MustCompile(`^(?:www\.|smile\.)?amazon\.([a-z]{2,3}(?:\.[a-z]{2})?)$`)
	asinPattern = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})(?:[/?]|$)`)
)

// ProductURL is a validated Amazon product detail URL.
type ProductURL struct {
	Raw    string
	ASIN   string
	Domain string
}

// ParseProductURL checks that raw points at a product page on an Amazon
// storefront and extracts its ASIN and locale domain. It never touches the
// network.
func ParseProductURL(raw string) (*ProductURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.New(apperrors.InvalidURL, "url is empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.InvalidURL, "url cannot be parsed")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, apperrors.New(apperrors.InvalidURL, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	hostMatch := hostPattern.FindStringSubmatch(host)
	if hostMatch == nil {
		return nil, apperrors.New(apperrors.InvalidURL, fmt.Sprintf("%q is not an amazon storefront", host))
	}

	asinMatch := asinPattern.FindStringSubmatch(u.EscapedPath())
	if asinMatch == nil {
		return nil, apperrors.New(apperrors.InvalidURL, "url does not contain a product id")
	}

	return &ProductURL{
		Raw:    raw,
		ASIN:   asinMatch[1],
		Domain: hostMatch[1],
	}, nil
}
