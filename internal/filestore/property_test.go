package filestore

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSanitizeProducesSafePathComponentsProperty checks that sanitize, used
// to build on-disk file names from arbitrary tool ids (spec §4.3
// materialization path), never reintroduces path separators or traversal
// sequences regardless of input.
func TestSanitizeProducesSafePathComponentsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sanitize never yields an empty or slash-bearing name", prop.ForAll(
		func(s string) bool {
			got := sanitize(s)
			return got != "" && !strings.ContainsAny(got, "/\\")
		},
		gen.UnicodeString(),
	))

	properties.TestingRun(t)
}

// TestSanitizeIsIdempotentProperty checks that re-sanitizing an
// already-sanitized name is a no-op.
func TestSanitizeIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sanitize(sanitize(s)) == sanitize(s)", prop.ForAll(
		func(s string) bool {
			once := sanitize(s)
			return sanitize(once) == once
		},
		gen.UnicodeString(),
	))

	properties.TestingRun(t)
}
