package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid top-level keys in the config file.
var knownKeys = map[string]bool{
	"tenant_id": true,
	// Graph settings
	"graph_base_url": true, "api_version": true,
	// Auth settings
	"client_id": true, "authority_host": true, "redirect_uri": true, "scopes": true,
	"auth_backend": true, "auth_flow": true, "interactive_fallback": true,
	// Network settings
	"request_timeout": true, "user_agent": true, "max_retries": true,
	"requests_per_second": true, "burst": true,
	// Logging settings
	"log_level": true, "log_format": true,
	// History settings
	"history_enabled": true, "history_db": true,
}

// knownKeysList is the sorted form of knownKeys. Sorted for deterministic
// suggestions when two candidates have the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each one.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key.String()))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key string) error {
	if suggestion := closestMatch(key, knownKeysList); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", key, suggestion)
	}

	return fmt.Errorf("unknown config key %q", key)
}

// closestMatch finds the closest known key by Levenshtein distance. Returns
// the empty string if nothing is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization instead of a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
