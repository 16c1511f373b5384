package cascade

import (
	"net/http"
	"strings"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// paywallMarkers are case-insensitive substrings that mark hard and soft
// paywall interstitials across the allowlisted publishers.
var paywallMarkers = []string{
	"subscribe",
	"subscription required",
	"sign in to continue",
	"create a free account",
	"unlock this article",
	"this content is reserved",
}

// captchaMarkers signal bot challenges rather than paywalls.
var captchaMarkers = []string{
	"captcha",
	"are you a robot",
	"verify you are human",
	"unusual traffic",
	"access to this page has been denied",
}

func containsAny(lowerBody string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(lowerBody, m) {
			return true
		}
	}
	return false
}

// classifyResponse maps a settled HTTP response that did not produce enough
// text into a terminal status and block reason. extractedLen is the length
// of the best extracted text for 200s, so soft paywalls (thin page plus a
// subscription marker) are told apart from JS-only shells.
func classifyResponse(res *harvest.FetchResult, extractedLen, minTextLength int) (harvest.Status, harvest.BlockReason) {
	lowerBody := strings.ToLower(string(res.Body))

	switch {
	case res.StatusCode == http.StatusForbidden && containsAny(lowerBody, paywallMarkers):
		return harvest.StatusPaywallSuspected, harvest.BlockPaywall
	case res.StatusCode == http.StatusForbidden &&
		(res.Headers.Get("Cf-Ray") != "" || containsAny(lowerBody, captchaMarkers)):
		return harvest.StatusErrorNetwork, harvest.BlockBotDetection
	case res.StatusCode == http.StatusTooManyRequests:
		return harvest.StatusErrorNetwork, harvest.BlockRateLimited
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		return harvest.StatusDead, harvest.BlockDeleted
	case res.StatusCode >= 500 && res.StatusCode <= 599:
		return harvest.StatusErrorNetwork, harvest.BlockTransport
	case res.StatusCode == http.StatusOK && extractedLen < minTextLength && containsAny(lowerBody, paywallMarkers):
		return harvest.StatusPaywallSuspected, harvest.BlockSoftPaywall
	default:
		return harvest.StatusErrorParse, harvest.BlockJSRequired
	}
}
