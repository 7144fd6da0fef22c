package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
)

// ArtifactFactory creates the provider-side content artifact on a full cache
// miss and returns its provider id. Creation is rate-limited and
// approval-gated on the provider side, which is the whole reason the cache
// exists.
type ArtifactFactory func(ctx context.Context) (string, error)

// TemplateCacheService resolves (logical key, content signature) pairs to
// provider artifact ids through three tiers: process memory, the static
// override table, then the persistent store. Only a miss on all three invokes
// the factory.
type TemplateCacheService interface {
	// GetOrCreate resolves the artifact id for logicalKey with the given
	// payload, creating the artifact at most once per distinct content.
	GetOrCreate(ctx context.Context, logicalKey string, payload any, factory ArtifactFactory) (string, error)
	// Signature exposes the content signature for a payload
	Signature(payload any) (string, error)
	// ClearMemory drops the process-local tier (operational escape hatch)
	ClearMemory()
}

// cachedArtifact is one memory-tier entry. The store row id rides along so a
// memory hit can still bump the persistent last-used mark.
type cachedArtifact struct {
	artifactID string
	entryID    uint
	touchedAt  time.Time
}

// TemplateCacheServiceImpl implements TemplateCacheService
type TemplateCacheServiceImpl struct {
	repo repository.TemplateCacheRepository
	// overrides pins a logical key to a fixed artifact id, bypassing both
	// cache tiers and creation entirely
	overrides map[string]string
	now       func() time.Time

	mu     sync.RWMutex
	memory map[string]cachedArtifact
}

func NewTemplateCacheService(repo repository.TemplateCacheRepository, overrides map[string]string) TemplateCacheService {
	if overrides == nil {
		overrides = map[string]string{}
	}
	return &TemplateCacheServiceImpl{
		repo:      repo,
		overrides: overrides,
		now:       utils.UTCNow,
		memory:    make(map[string]cachedArtifact),
	}
}

func memoryKey(logicalKey, signature string) string {
	return logicalKey + "|" + signature
}

func (s *TemplateCacheServiceImpl) GetOrCreate(ctx context.Context, logicalKey string, payload any, factory ArtifactFactory) (string, error) {
	signature, err := s.Signature(payload)
	if err != nil {
		return "", fmt.Errorf("failed to compute content signature: %w", err)
	}

	// Tier 1: process memory
	key := memoryKey(logicalKey, signature)
	s.mu.RLock()
	cached, hit := s.memory[key]
	s.mu.RUnlock()
	if hit {
		templateCacheLookups.WithLabelValues("memory").Inc()
		s.touchThrottled(ctx, key, cached)
		return cached.artifactID, nil
	}

	// Tier 2: operator override, pinned per logical key regardless of content
	if pinned, ok := s.overrides[logicalKey]; ok {
		templateCacheLookups.WithLabelValues("override").Inc()
		return pinned, nil
	}

	// Tier 3: persistent store, shared across processes and restarts
	entry, err := s.repo.ByKeyAndSignature(ctx, logicalKey, signature)
	if err != nil {
		return "", fmt.Errorf("failed to look up template cache entry: %w", err)
	}
	if entry != nil {
		templateCacheLookups.WithLabelValues("store").Inc()
		s.remember(logicalKey, signature, entry.ID, entry.ArtifactID)
		_ = s.repo.Touch(ctx, entry.ID, s.now())
		return entry.ArtifactID, nil
	}

	// Full miss: create via the provider, then write through both tiers
	artifactID, err := factory(ctx)
	if err != nil {
		return "", err
	}
	templateCacheLookups.WithLabelValues("created").Inc()

	metadata, _ := json.Marshal(map[string]any{
		"signature":  signature,
		"created_by": "template_cache",
	})
	entry = &models.TemplateCacheEntry{
		LogicalKey:   logicalKey,
		Signature:    signature,
		ArtifactID:   artifactID,
		FriendlyName: friendlyName(logicalKey, signature),
		Metadata:     metadata,
		LastUsedAt:   s.now(),
		CreatedAt:    s.now(),
	}
	if err := s.repo.Save(ctx, entry); err != nil {
		// The artifact exists on the provider side; losing the cache row only
		// costs a re-create later, so surface the error for visibility.
		return "", fmt.Errorf("artifact created but cache write failed: %w", err)
	}
	s.remember(logicalKey, signature, entry.ID, entry.ArtifactID)
	return entry.ArtifactID, nil
}

func (s *TemplateCacheServiceImpl) remember(logicalKey, signature string, entryID uint, artifactID string) {
	s.mu.Lock()
	s.memory[memoryKey(logicalKey, signature)] = cachedArtifact{
		artifactID: artifactID,
		entryID:    entryID,
		touchedAt:  s.now(),
	}
	s.mu.Unlock()
}

// touchThrottled bumps the persistent last-used mark for a memory hit at most
// once per TemplateCacheTouchInterval. Hot entries stay visibly in use in the
// store without a write per resolution.
func (s *TemplateCacheServiceImpl) touchThrottled(ctx context.Context, key string, cached cachedArtifact) {
	if cached.entryID == 0 {
		return
	}
	now := s.now()
	if now.Sub(cached.touchedAt) < utils.TemplateCacheTouchInterval {
		return
	}
	s.mu.Lock()
	cur, ok := s.memory[key]
	if !ok || now.Sub(cur.touchedAt) < utils.TemplateCacheTouchInterval {
		s.mu.Unlock()
		return
	}
	cur.touchedAt = now
	s.memory[key] = cur
	s.mu.Unlock()
	_ = s.repo.Touch(ctx, cached.entryID, now)
}

func (s *TemplateCacheServiceImpl) ClearMemory() {
	s.mu.Lock()
	s.memory = make(map[string]cachedArtifact)
	s.mu.Unlock()
}

func friendlyName(logicalKey, signature string) string {
	short := signature
	if len(short) > 8 {
		short = short[:8]
	}
	return logicalKey + "-" + short
}

// Signature normalizes the payload and hashes it. Two logically identical
// payloads must hash identically no matter the iteration order, nil-ness of
// optional fields, or floating-point noise they arrive with.
func (s *TemplateCacheServiceImpl) Signature(payload any) (string, error) {
	normalized, err := NormalizePayload(payload)
	if err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizePayload rewrites a payload into its canonical shape:
//   - structs/maps reduced to maps with nil-valued fields dropped, so a nil
//     optional and an absent optional are the same thing
//   - slices of objects sorted by their "id" field when one is present
//   - numbers rounded to SignaturePrecision decimal places
func NormalizePayload(payload any) (any, error) {
	// Round-trip through JSON to reduce structs, typed maps and typed slices
	// to the plain any-tree the walker understands.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return normalizeValue(tree), nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			normalized := normalizeValue(item)
			if normalized == nil {
				continue
			}
			out[k] = normalized
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, normalizeValue(item))
		}
		sortByID(out)
		return out
	case float64:
		return roundTo(val, utils.SignaturePrecision)
	default:
		return v
	}
}

// sortByID orders object elements by their "id" field so that iteration
// order at the caller never changes the signature. Id-bearing elements sort
// ahead of id-less ones; id-less elements keep their relative order.
func sortByID(items []any) {
	sort.SliceStable(items, func(i, j int) bool {
		a, aok := idOf(items[i])
		b, bok := idOf(items[j])
		if aok != bok {
			return aok
		}
		if !aok {
			return false
		}
		return a < b
	})
}

func idOf(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["id"]
	if !ok {
		return "", false
	}
	switch typed := id.(type) {
	case string:
		return typed, true
	case float64:
		// Fixed-width so numeric ids sort numerically
		return fmt.Sprintf("%020.4f", typed), true
	default:
		return fmt.Sprintf("%v", typed), true
	}
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow10(places)
	return math.Round(v*factor) / factor
}

// canonicalJSON renders the normalized tree with object keys sorted; the
// stdlib encoder already sorts map keys, so one more round trip suffices
func canonicalJSON(v any) (string, error) {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
