package agent

import "strings"

// classifyProviderError sniffs a provider error's message to bucket it for
// failover decisions. The model provider HTTP wire format is out of scope
// for this module, so this string-based classifier (rather than parsing a
// specific provider's error envelope) is the only signal available.
func classifyProviderError(err error) string {
	if err == nil {
		return "unknown"
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "context deadline"):
		return "timeout"

	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return "rate_limit"

	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"):
		return "auth"

	case strings.Contains(errStr, "billing"),
		strings.Contains(errStr, "payment"),
		strings.Contains(errStr, "quota"),
		strings.Contains(errStr, "402"):
		return "billing"

	case strings.Contains(errStr, "model not found"),
		strings.Contains(errStr, "does not exist"),
		strings.Contains(errStr, "unavailable"):
		return "model_unavailable"

	case strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "504"):
		return "server_error"

	case strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "bad request"),
		strings.Contains(errStr, "400"):
		return "invalid_request"

	default:
		return "unknown"
	}
}

// isRetryableProviderError reports whether classifyProviderError's verdict
// is worth a same-profile retry rather than an immediate move to the next
// profile in the chain.
func isRetryableProviderError(err error) bool {
	switch classifyProviderError(err) {
	case "rate_limit", "timeout", "server_error":
		return true
	default:
		return false
	}
}
