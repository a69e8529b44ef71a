package auth

import "strings"

// parseUserAgent extracts a coarse device/browser/OS label set from a raw
// User-Agent header for session display purposes ("Chrome on macOS"). This
// is deliberately not a full UA database — just enough to render a
// recognizable session list entry, per spec §4.6's session metadata.
func parseUserAgent(ua string) (device, browser, os string) {
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "mobile"):
		device = "mobile"
	case strings.Contains(lower, "tablet") || strings.Contains(lower, "ipad"):
		device = "tablet"
	default:
		device = "desktop"
	}

	switch {
	case strings.Contains(lower, "edg/"):
		browser = "Edge"
	case strings.Contains(lower, "chrome/") && !strings.Contains(lower, "chromium"):
		browser = "Chrome"
	case strings.Contains(lower, "firefox/"):
		browser = "Firefox"
	case strings.Contains(lower, "safari/") && !strings.Contains(lower, "chrome/"):
		browser = "Safari"
	default:
		browser = "Unknown"
	}

	switch {
	case strings.Contains(lower, "windows"):
		os = "Windows"
	case strings.Contains(lower, "mac os") || strings.Contains(lower, "macintosh"):
		os = "macOS"
	case strings.Contains(lower, "android"):
		os = "Android"
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad"):
		os = "iOS"
	case strings.Contains(lower, "linux"):
		os = "Linux"
	default:
		os = "Unknown"
	}

	return device, browser, os
}
