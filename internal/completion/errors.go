package completion

import "strings"

// ErrorKind categorizes stream failures for failover decisions.
type ErrorKind string

const (
	// KindAuth indicates authentication/authorization failures (401, invalid key).
	KindAuth ErrorKind = "AUTH"

	// KindRateLimit indicates rate limiting or quota exhaustion (429).
	KindRateLimit ErrorKind = "RATE_LIMIT"

	// KindTimeout indicates request timeout or deadline exceeded.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindBilling indicates billing or payment issues.
	KindBilling ErrorKind = "BILLING"

	// KindContextOverflow indicates the prompt exceeded the model's context window.
	KindContextOverflow ErrorKind = "CONTEXT_OVERFLOW"

	// KindUnknown is the default for unrecognized errors.
	KindUnknown ErrorKind = "UNKNOWN"
)

// ClassifyError maps a stream error onto the most specific ErrorKind
// its message matches.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return KindAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return KindRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return KindTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") {
		return KindBilling
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return KindContextOverflow
	}

	return KindUnknown
}
