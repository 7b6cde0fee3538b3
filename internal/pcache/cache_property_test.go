package pcache

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_CacheRoundTrip validates that any stored content, including
// empty slices and arbitrary binary bytes, is returned unchanged by a
// subsequent lookup under the same key.
func TestProperty_CacheRoundTrip(t *testing.T) {
	cache := openTestCache(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stored content is returned unchanged", prop.ForAll(
		func(key string, content []byte, signature int64) bool {
			meta := EntryMetadata{InputSignature: signature}
			if err := cache.Insert(key, content, meta); err != nil {
				return false
			}

			entry, err := cache.Find(key)
			if err != nil || entry == nil {
				return false
			}
			return bytes.Equal(entry.Content, content) &&
				entry.Metadata.InputSignature == signature
		},
		gen.Identifier(),
		gen.SliceOf(gen.UInt8()),
		gen.Int64(),
	))

	properties.Property("last write wins", prop.ForAll(
		func(key string, first, second []byte) bool {
			if err := cache.Insert(key, first, EntryMetadata{}); err != nil {
				return false
			}
			if err := cache.Insert(key, second, EntryMetadata{}); err != nil {
				return false
			}

			entry, err := cache.Find(key)
			if err != nil || entry == nil {
				return false
			}
			return bytes.Equal(entry.Content, second)
		},
		gen.Identifier(),
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
