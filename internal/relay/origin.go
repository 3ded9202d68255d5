package relay

import (
	"net/url"
	"os"
	"strings"

	"github.com/remote-hub-bridge/bridge/internal/model"
)

// DefaultOrigin is the built-in relay origin used when neither an
// override file nor the environment declares one.
const DefaultOrigin = "https://relay.remotehub.dev"

// Origin is a resolved relay origin plus the source it came from. An
// invalid candidate keeps its source tag but carries no URL, leaving
// the manager unconfigured.
type Origin struct {
	URL    string
	Source model.OriginSource
}

// Configured reports whether the origin is usable.
func (o Origin) Configured() bool {
	return o.URL != "" && !o.Source.Invalid()
}

// ResolveOrigin picks the relay origin: the override file wins, then
// the environment value, then the built-in default. The chosen
// candidate is normalized and validated. An invalid candidate is not
// skipped; it records its "-invalid" source tag so the operator can
// see which layer is broken.
func ResolveOrigin(overridePath, envValue string) Origin {
	if overridePath != "" {
		if declared, ok := readOverride(overridePath); ok {
			if normalized, valid := normalizeOrigin(declared); valid {
				return Origin{URL: normalized, Source: model.OriginSourceOverride}
			}
			return Origin{Source: model.OriginSourceOverrideInvalid}
		}
	}

	if envValue != "" {
		if normalized, valid := normalizeOrigin(envValue); valid {
			return Origin{URL: normalized, Source: model.OriginSourceEnv}
		}
		return Origin{Source: model.OriginSourceEnvInvalid}
	}

	normalized, _ := normalizeOrigin(DefaultOrigin)
	return Origin{URL: normalized, Source: model.OriginSourceDefault}
}

// readOverride returns the first non-empty, non-comment line of the
// override file.
func readOverride(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, true
	}
	return "", false
}

// normalizeOrigin validates a candidate origin. ws/wss schemes are
// coerced to their http/https counterparts; anything other than
// http/https with a host is rejected. Trailing slashes are trimmed so
// path joining stays predictable.
func normalizeOrigin(raw string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}

	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", false
	}

	if parsed.Host == "" {
		return "", false
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), true
}
