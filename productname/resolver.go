// Package productname resolves display names through a canonical, cached, placeholder chain.
package productname

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"github.com/sirupsen/logrus"
)

var placeholderPattern = regexp.MustCompile(`(?i)^item\s+\S+\s+id\s+\S+$`)

// IsPlaceholder reports whether name looks like a generated label rather than a real product name.
func IsPlaceholder(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || placeholderPattern.MatchString(name)
}

func Placeholder(source string, key stockkey.CanonicalKey) string {
	return fmt.Sprintf("Item %s ID %s", source, key)
}

// CatalogStore is the authoritative name lookup. ok is false when the catalog has no name.
type CatalogStore interface {
	LookupCanonicalName(ctx context.Context, source string, key stockkey.CanonicalKey) (name string, ok bool, err error)
}

// CacheStore persists ProductNameCacheEntry rows. Get returns nil, nil when no entry exists.
type CacheStore interface {
	Get(ctx context.Context, source string, key stockkey.CanonicalKey) (*models.ProductNameCacheEntry, error)
	MarkPending(ctx context.Context, source string, key stockkey.CanonicalKey) error
	ListPending(ctx context.Context, limit int, maxAttempts int) ([]models.ProductNameCacheEntry, error)
	MarkSynced(ctx context.Context, source string, key stockkey.CanonicalKey, name string) error
	MarkFailed(ctx context.Context, source string, key stockkey.CanonicalKey, reason string) error
}

type Resolver struct {
	Catalog CatalogStore
	Cache   CacheStore
	Clock   clock.Clock
	Logger  *logrus.Logger
}

func NewResolver(catalog CatalogStore, cache CacheStore, logger *logrus.Logger) *Resolver {
	return &Resolver{Catalog: catalog, Cache: cache, Clock: clock.SystemClock{}, Logger: logger}
}

// Resolve always returns a name. Store errors are logged and resolution falls through to the next tier.
func (r *Resolver) Resolve(ctx context.Context, source string, key stockkey.CanonicalKey) (string, models.NameTier) {
	if r.Catalog != nil {
		name, ok, err := r.Catalog.LookupCanonicalName(ctx, source, key)
		if err != nil {
			r.logError("LookupCanonicalName", source, key, err)
		} else if ok && !IsPlaceholder(name) {
			return strings.TrimSpace(name), models.NameTierCanonical
		}
	}

	if r.Cache == nil {
		return Placeholder(source, key), models.NameTierPlaceholder
	}

	entry, err := r.Cache.Get(ctx, source, key)
	if err != nil {
		r.logError("Cache.Get", source, key, err)
	}
	if entry != nil && entry.Usable() && !IsPlaceholder(entry.CachedName) {
		return entry.CachedName, models.NameTierCached
	}

	if entry == nil || entry.SyncStatus != models.NameSyncStatusPending {
		if err := r.Cache.MarkPending(ctx, source, key); err != nil {
			r.logError("Cache.MarkPending", source, key, err)
		}
	}
	return Placeholder(source, key), models.NameTierPlaceholder
}

func (r *Resolver) logError(op, source string, key stockkey.CanonicalKey, err error) {
	if r.Logger == nil {
		return
	}
	config.LogError(r.Logger, "FallbackNameResolver", op, source, key.String(), err)
}

// MapCatalog serves names collected from the primary feed of the current run.
type MapCatalog map[stockkey.CanonicalKey]string

func (m MapCatalog) LookupCanonicalName(_ context.Context, _ string, key stockkey.CanonicalKey) (string, bool, error) {
	name, ok := m[key]
	return name, ok && strings.TrimSpace(name) != "", nil
}

// ChainCatalog asks each catalog in order and returns the first non-placeholder name.
type ChainCatalog []CatalogStore

func (c ChainCatalog) LookupCanonicalName(ctx context.Context, source string, key stockkey.CanonicalKey) (string, bool, error) {
	var firstErr error
	for _, cat := range c {
		if cat == nil {
			continue
		}
		name, ok, err := cat.LookupCanonicalName(ctx, source, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok && !IsPlaceholder(name) {
			return name, true, nil
		}
	}
	return "", false, firstErr
}
