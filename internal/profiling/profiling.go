package profiling

import (
	"log/slog"
	"os"
	"strings"

	"github.com/grafana/pyroscope-go"
)

// Init starts continuous profiling when PYROSCOPE_PROFILING_ENABLED is truthy.
func Init() (func(), error) {
	if !isTrue(getEnv("PYROSCOPE_PROFILING_ENABLED", "false")) {
		slog.Debug("pyroscope profiling is disabled")
		return func() {}, nil
	}

	serverAddress := getEnv("PYROSCOPE_SERVER_ADDRESS", "http://localhost:4040")
	applicationName := getEnv("PYROSCOPE_APPLICATION_NAME", "urbanos-routing")

	config := pyroscope.Config{
		ApplicationName: applicationName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": "urbanos-routing",
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	}

	user := getEnv("PYROSCOPE_BASIC_AUTH_USER", "")
	password := getEnv("PYROSCOPE_BASIC_AUTH_PASSWORD", "")
	if user != "" && password != "" {
		config.BasicAuthUser = user
		config.BasicAuthPassword = password
	}

	profiler, err := pyroscope.Start(config)
	if err != nil {
		slog.Warn("failed to start pyroscope profiler", "error", err)
		return func() {}, nil
	}

	slog.Debug("pyroscope profiling started", "server", serverAddress, "application", applicationName)

	return func() {
		if err := profiler.Stop(); err != nil {
			slog.Error("error stopping pyroscope profiler", "error", err)
		}
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func isTrue(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
