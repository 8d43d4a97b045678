package fetcher

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// Fingerprint is the browser identity presented for one page load.
type Fingerprint struct {
	UserAgent      string
	Viewport       playwright.Size
	Locale         string
	TimezoneID     string
	AcceptLanguage string
	Languages      []string
}

type localeProfile struct {
	locale    string
	timezone  string
	languages []string
}

var localeProfiles = map[string]localeProfile{
	"com":    {"en-US", "America/New_York", []string{"en-US", "en"}},
	"ca":     {"en-CA", "America/Toronto", []string{"en-CA", "en", "fr-CA"}},
	"co.uk":  {"en-GB", "Europe/London", []string{"en-GB", "en"}},
	"de":     {"de-DE", "Europe/Berlin", []string{"de-DE", "de", "en"}},
	"fr":     {"fr-FR", "Europe/Paris", []string{"fr-FR", "fr", "en"}},
	"it":     {"it-IT", "Europe/Rome", []string{"it-IT", "it", "en"}},
	"es":     {"es-ES", "Europe/Madrid", []string{"es-ES", "es", "en"}},
	"nl":     {"nl-NL", "Europe/Amsterdam", []string{"nl-NL", "nl", "en"}},
	"in":     {"en-IN", "Asia/Kolkata", []string{"en-IN", "en", "hi"}},
	"co.jp":  {"ja-JP", "Asia/Tokyo", []string{"ja-JP", "ja", "en"}},
	"com.au": {"en-AU", "Australia/Sydney", []string{"en-AU", "en"}},
}

var viewports = []playwright.Size{
	{Width: 1920, Height: 1080},
	{Width: 1536, Height: 864},
	{Width: 1440, Height: 900},
	{Width: 1366, Height: 768},
	{Width: 1680, Height: 1050},
}

type fingerprintSource struct {
	mu         sync.Mutex
	rng        *rand.Rand
	userAgents []string
}

func (s *fingerprintSource) next(domain string) Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := localeProfiles[domain]
	if !ok {
		profile = localeProfiles["com"]
	}

	vp := viewports[s.rng.Intn(len(viewports))]
	// small jitter so the same few sizes are not repeated exactly
	vp.Width -= s.rng.Intn(16)
	vp.Height -= s.rng.Intn(16)

	langs := append([]string(nil), profile.languages...)
	if len(langs) > 2 && s.rng.Intn(2) == 0 {
		langs = langs[:2]
	}

	return Fingerprint{
		UserAgent:      s.userAgents[s.rng.Intn(len(s.userAgents))],
		Viewport:       vp,
		Locale:         profile.locale,
		TimezoneID:     profile.timezone,
		AcceptLanguage: acceptLanguage(langs),
		Languages:      langs,
	}
}

// acceptLanguage renders languages with descending q-values, e.g.
// "de-DE,de;q=0.9,en;q=0.8".
func acceptLanguage(langs []string) string {
	parts := make([]string, len(langs))
	for i, l := range langs {
		if i == 0 {
			parts[i] = l
			continue
		}
		parts[i] = fmt.Sprintf("%s;q=0.%d", l, 10-i)
	}
	return strings.Join(parts, ",")
}

// ContextOptions configures an isolated browser context for this identity.
func (f Fingerprint) ContextOptions() playwright.BrowserNewContextOptions {
	return playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(f.UserAgent),
		Locale:            playwright.String(f.Locale),
		TimezoneId:        playwright.String(f.TimezoneID),
		Viewport:          &playwright.Size{Width: f.Viewport.Width, Height: f.Viewport.Height},
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		ExtraHttpHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": f.AcceptLanguage,
			"DNT":             "1",
		},
	}
}

// StealthScript hides the usual automation markers before any page script
// runs.
func (f Fingerprint) StealthScript() string {
	langs, _ := json.Marshal(f.Languages)
	return fmt.Sprintf(`
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => %s });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = window.chrome || { runtime: {} };
const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
if (originalQuery) {
  window.navigator.permissions.query = (parameters) =>
    parameters.name === 'notifications'
      ? Promise.resolve({ state: Notification.permission })
      : originalQuery(parameters);
}
`, langs)
}
