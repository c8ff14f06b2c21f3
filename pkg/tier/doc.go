// Package tier provides the versioned cache tiers behind the offline proxy.
//
// A tier is a named key→response store. Tier names are composed from a
// prefix, a logical role and the running version tag, so every deploy gets a
// fresh generation of tiers and old generations can be dropped wholesale:
//
//	tier.Name("app", tier.RoleStatic, "3.0") // "app-static-v3.0"
//
// # Backends
//
// Three Store implementations are available:
//
//   - RedisStore   - shared tiers in Redis (hash per tier, set of tier names)
//   - LevelDBStore - local persistent tiers on disk
//   - MemoryStore  - bounded in-process LRU per tier
//
// # Basic Usage
//
//	store := tier.NewRedisStore(redisClient, "offline")
//
//	static, err := store.Open(ctx, tier.Name("app", tier.RoleStatic, "3.0"))
//	if err != nil {
//		return err
//	}
//
//	key, _ := tier.NewKey(http.MethodGet, "https://app.example.com/index.html")
//	entry, err := static.Get(ctx, key)
//	if errors.Is(err, tier.ErrMiss) {
//		// not cached yet
//	}
//
// # HTTP Responses
//
// A response body can only be read once. ResponseToEntry buffers it and puts
// a fresh reader back on the response, so the same bytes can be returned to
// the caller and written to a tier:
//
//	entry, err := tier.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//	_ = static.Put(ctx, key, entry)
//	return resp // still readable
//
// # Metrics
//
//   - offline_tier_hits_total{role}
//   - offline_tier_misses_total{role}
//   - offline_tier_errors_total{backend,operation}
//   - offline_tier_stored_bytes_total{role}
package tier
