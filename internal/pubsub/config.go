package pubsub

import (
	"log/slog"
	"os"
	"strconv"
)

const tracingEnvPrefix = "CARECHAT_TRACING_"

// LoadTracingConfigFromEnv overlays the CARECHAT_TRACING_ENABLED,
// _SERVICE_NAME and _ZIPKIN_URL variables on DefaultTracingConfig. An
// unparsable ENABLED value is logged and leaves the default in place.
func LoadTracingConfigFromEnv() TracingConfig {
	cfg := DefaultTracingConfig()

	if v := os.Getenv(tracingEnvPrefix + "ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("Ignoring invalid tracing flag", "key", tracingEnvPrefix+"ENABLED", "value", v)
		} else {
			cfg.Enabled = enabled
		}
	}
	if v := os.Getenv(tracingEnvPrefix + "SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv(tracingEnvPrefix + "ZIPKIN_URL"); v != "" {
		cfg.ZipkinURL = v
	}
	return cfg
}
