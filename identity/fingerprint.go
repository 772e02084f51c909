package identity

import (
	"math/rand"
	"sync"
	"time"
)

// FingerprintPolicy selects how fingerprints are produced.
type FingerprintPolicy string

const (
	// PolicyGenerated synthesizes a fingerprint from weighted component lists.
	PolicyGenerated FingerprintPolicy = "generated"
	// PolicySampled draws from a fixed set of captured real-browser profiles.
	PolicySampled FingerprintPolicy = "sampled"
)

// Fingerprint draws share one seeded source. Per-call time seeding would hand
// identical fingerprints to workers starting in the same clock tick.
var (
	fpMu  sync.Mutex
	fpRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func fpIntn(n int) int {
	fpMu.Lock()
	defer fpMu.Unlock()
	return fpRng.Intn(n)
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
}

var platforms = []string{"Win32", "MacIntel", "Linux x86_64"}

var screens = [][2]int{{1920, 1080}, {2560, 1440}, {1536, 864}, {1440, 900}, {1366, 768}}

var webGLPairs = [][2]string{
	{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Apple", "Apple M2"},
	{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon RX 6700 XT Direct3D11 vs_5_0 ps_5_0, D3D11)"},
}

// GenerateFingerprint synthesizes a fingerprint.
func GenerateFingerprint() Fingerprint {
	screen := screens[fpIntn(len(screens))]
	gl := webGLPairs[fpIntn(len(webGLPairs))]
	threads := []int{4, 8, 12, 16}[fpIntn(4)]
	return Fingerprint{
		Platform:          platforms[fpIntn(len(platforms))],
		UserAgent:         userAgents[fpIntn(len(userAgents))],
		ScreenWidth:       screen[0],
		ScreenHeight:      screen[1],
		DeviceScaleFactor: 1.0,
		Languages:         []string{"en-US", "en"},
		WebGLVendor:       gl[0],
		WebGLRenderer:     gl[1],
		HardwareThreads:   threads,
	}
}

// SampleFingerprint draws uniformly from profiles, falling back to generation
// when the set is empty.
func SampleFingerprint(profiles []Fingerprint) Fingerprint {
	if len(profiles) == 0 {
		return GenerateFingerprint()
	}
	return profiles[fpIntn(len(profiles))]
}

// localeByCountry keeps the identity's locale and timezone coherent with the
// proxy's exit geography. A mismatch between IP geolocation and browser
// locale is a cheap detection check for the target.
var localeByCountry = map[string][2]string{
	"US": {"en-US", "America/New_York"},
	"GB": {"en-GB", "Europe/London"},
	"DE": {"de-DE", "Europe/Berlin"},
	"FR": {"fr-FR", "Europe/Paris"},
	"NL": {"nl-NL", "Europe/Amsterdam"},
	"ES": {"es-ES", "Europe/Madrid"},
	"IT": {"it-IT", "Europe/Rome"},
	"BR": {"pt-BR", "America/Sao_Paulo"},
	"JP": {"ja-JP", "Asia/Tokyo"},
	"SG": {"en-SG", "Asia/Singapore"},
	"AU": {"en-AU", "Australia/Sydney"},
	"CA": {"en-CA", "America/Toronto"},
	"IN": {"en-IN", "Asia/Kolkata"},
}

// LocaleFor returns the locale and timezone matching a country code,
// defaulting to en-US/UTC for unknown geographies.
func LocaleFor(country string) (locale, timezone string) {
	if pair, ok := localeByCountry[country]; ok {
		return pair[0], pair[1]
	}
	return "en-US", "UTC"
}
