package anthropic

// CachedSystem wraps a static system prompt in one block with a cache
// breakpoint, so repeated profile requests reuse the prompt prefix.
func CachedSystem(text, ttl string) []SystemBlock {
	return []SystemBlock{{
		Text:         text,
		CacheControl: &CacheControl{TTL: ttl},
	}}
}
