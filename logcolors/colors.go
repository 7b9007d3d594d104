package logcolors

// ANSI color codes for log prefixes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"

	BrightGreen   = "\033[92m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
	BrightRed     = "\033[91m"
)

// Cache-related log prefixes
const (
	LogCache      = Blue + "[Cache]" + Reset
	LogCacheL1    = Green + "[Cache:L1]" + Reset
	LogCacheL2    = Blue + "[Cache:L2]" + Reset
	LogCacheClear = Blue + "[Cache:Clear]" + Reset
)

// Rate limiting log prefixes
const (
	LogRateLimit = Purple + "[RateLimit]" + Reset
	LogAPIKey    = Purple + "[APIKey]" + Reset
)

// CircuitBreakerPrefix returns a colored circuit breaker prefix with the given name
func CircuitBreakerPrefix(name string) string {
	return Purple + "[CircuitBreaker:" + name + "]" + Reset
}

// upstreamColors rotate by name hash so each upstream keeps one color in the logs
var upstreamColors = []string{
	Green, Blue, Purple, Cyan,
	BrightGreen, BrightBlue, BrightMagenta, BrightCyan,
}

// Upstream returns a colored upstream name for log messages
func Upstream(name string) string {
	hash := 0
	for _, c := range name {
		hash += int(c)
	}
	return upstreamColors[hash%len(upstreamColors)] + name + Reset
}

// Server/Init log prefixes
const (
	LogServer = Green + "[Server]" + Reset
	LogConfig = Cyan + "[Config]" + Reset
	LogStats  = Blue + "[Stats]" + Reset
	LogRedis  = BrightRed + "[Redis]" + Reset
)

// Notification log prefixes
const (
	LogNotifier          = Cyan + "[Notifier]" + Reset
	LogTokenMonitor      = Cyan + "[Token Monitor]" + Reset
	LogTestNotifications = Cyan + "[Test Notifications]" + Reset
)

// Request pipeline log prefixes
const (
	LogRequest     = Purple + "[Request]" + Reset
	LogHTTP        = Cyan + "[HTTP]" + Reset
	LogUpstream    = Blue + "[Upstream]" + Reset
	LogAuthError   = Purple + "[Auth Error]" + Reset
	LogRetryQueue  = Yellow + "[RetryQueue]" + Reset
	LogReplay      = Yellow + "[Replay]" + Reset
	LogCredentials = Cyan + "[Credentials]" + Reset
	LogDNS         = Cyan + "[DNS]" + Reset
	LogWarning     = Red + "[Warning]" + Reset
)
