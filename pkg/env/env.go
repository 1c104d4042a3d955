package env

import (
	"os"
	"strings"
)

// Prefix namespaces the service's environment variables.
const Prefix = "REGLEDGER_"

// Get reads REGLEDGER_<key>, then the bare key, then returns fallback.
func Get(key, fallback string) string {
	key = strings.TrimPrefix(key, Prefix)
	for _, name := range []string{Prefix + key, key} {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return fallback
}
