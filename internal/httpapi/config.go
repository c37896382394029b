package httpapi

// DefaultMaxBodyBytes fits two inline images at the default 20 MiB per-image
// limit after base64 expansion.
const DefaultMaxBodyBytes int64 = 64 << 20

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes = DefaultMaxBodyBytes

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// Tracing (opt-in). When enabled every request runs in a server span whose
// parent is taken from the incoming W3C trace headers.
var (
	tracingEnabled bool
	tracingService = "relightd"
)

// SetTracing toggles the span middleware.
func SetTracing(enabled bool, serviceName string) {
	tracingEnabled = enabled
	if serviceName != "" {
		tracingService = serviceName
	}
}
