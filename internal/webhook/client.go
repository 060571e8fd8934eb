// ABOUTME: Constructs the production SSRF-safe HTTP client for webhook delivery.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package webhook

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client for production webhook
// delivery. Redirect following is disabled; timeout bounds the whole request.
func BuildSafeClient(timeout time.Duration) (*http.Client, error) {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client, nil
}
