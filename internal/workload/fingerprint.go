package workload

import (
	"encoding/hex"
	"sort"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
)

// HashConfig fingerprints a devcontainer document. Comments and formatting are
// ignored so only semantic edits change the hash.
func HashConfig(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := blake3.Sum256(compactJSON(jsonc.ToJSON(content)))
	return hex.EncodeToString(sum[:])
}

// HashLaunch fingerprints the parts of a LaunchConfig that affect a container.
func HashLaunch(cfg LaunchConfig) string {
	h := blake3.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(cfg.Image)
	write(cfg.Network)
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
		write(cfg.Env[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// compactJSON drops insignificant whitespace outside strings.
func compactJSON(b []byte) []byte {
	out := make([]byte, 0, len(b))
	inString, escaped := false, false
	for _, c := range b {
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
			continue
		}
		out = append(out, c)
	}
	return out
}
