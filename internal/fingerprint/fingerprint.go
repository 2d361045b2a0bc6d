// Package fingerprint derives the content-addressed key used for
// request coalescing and response caching.
//
// The canonical form covers only the fields that determine a
// deterministic response: model, generation parameters, and the
// ordered message sequence. User identity, request id, and the stream
// flag are deliberately excluded so a stream and non-stream request
// with identical content share work.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/llmgw/gateway/internal/model"
)

// For returns the lowercase hex SHA-256 of the canonical request form.
func For(req *model.NormalizedRequest) string {
	sum := sha256.Sum256([]byte(canonical(req)))
	return hex.EncodeToString(sum[:])
}

func canonical(req *model.NormalizedRequest) string {
	var b strings.Builder
	b.WriteString(req.Model)
	b.WriteByte('|')
	maxTokens := 0
	if req.Generation.MaxTokens != nil {
		maxTokens = *req.Generation.MaxTokens
	}
	b.WriteString(strconv.Itoa(maxTokens))
	b.WriteByte('|')
	b.WriteString(optFloat(req.Generation.Temperature))
	b.WriteByte('|')
	b.WriteString(optFloat(req.Generation.TopP))

	for _, message := range req.Messages {
		b.WriteByte('|')
		b.WriteString(string(message.Role))
		b.WriteByte(':')
		b.WriteString(message.Content)
	}
	return b.String()
}

// Floats are pinned to fixed 4-decimal precision so representation
// drift never splits identical requests across fingerprints.
func optFloat(value *float64) string {
	if value == nil {
		return "none"
	}
	return fmt.Sprintf("%.4f", *value)
}
