package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Fingerprint derives the deterministic cache key for a chat request:
// the ai:cache: prefix plus the leading 32 hex characters of SHA-256 over
//
//	<model or "default"> "|" <temperature or 0.7> "|" <role>":"<content>"|"…
//
// Only the model, the temperature and the ordered messages enter the hash.
// Two requests differing only in top_p, penalties, max_tokens or user are
// deliberately treated as cache-equivalent.
func Fingerprint(req *providers.ChatRequest) string {
	var sb strings.Builder

	model := req.Model
	if model == "" {
		model = "default"
	}
	sb.WriteString(model)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatFloat(req.TemperatureOrDefault(), 'g', -1, 64))
	sb.WriteByte('|')

	for _, m := range req.Messages {
		sb.WriteString(m.Role)
		sb.WriteByte(':')
		sb.WriteString(m.Content)
		sb.WriteByte('|')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return cache.KeyPrefix + hex.EncodeToString(sum[:])[:32]
}
