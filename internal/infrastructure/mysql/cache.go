package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	alertCacheVersionKey = "fraudledger:alerts:version"
	alertCacheKeyPrefix  = "fraudledger:alerts:v"
	defaultCacheTTL      = 10 * time.Minute
)

type CacheConfig struct {
	Addr string
	TTL  time.Duration
}

// CachedRepository layers a redis read cache over the alert list queries. The
// dashboard polls those far more often than alerts change; writes bump a
// version counter instead of enumerating keys.
type CachedRepository struct {
	*Repository
	cache *redis.Client
	ttl   time.Duration
}

func NewCachedRepository(base *Repository, cfg CacheConfig) (*CachedRepository, error) {
	if base == nil {
		return nil, errors.New("base repository is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &CachedRepository{Repository: base}, nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &CachedRepository{Repository: base, cache: client, ttl: cfg.TTL}, nil
}

func (r *CachedRepository) CreateAlertIfAbsent(ctx context.Context, alert domain.FraudAlert) (domain.FraudAlert, bool, error) {
	stored, created, err := r.Repository.CreateAlertIfAbsent(ctx, alert)
	if err == nil && created {
		r.invalidateAlertCache(ctx)
	}
	return stored, created, err
}

func (r *CachedRepository) LinkAlertLedger(ctx context.Context, alertID, txHash, tokenID string) error {
	if err := r.Repository.LinkAlertLedger(ctx, alertID, txHash, tokenID); err != nil {
		return err
	}
	r.invalidateAlertCache(ctx)
	return nil
}

func (r *CachedRepository) ListAlerts(ctx context.Context, filter application.AlertQueryFilter) ([]domain.FraudAlert, error) {
	if r.cache == nil {
		return r.Repository.ListAlerts(ctx, filter)
	}
	version, ok := r.cacheVersion(ctx)
	if !ok {
		return r.Repository.ListAlerts(ctx, filter)
	}
	key := alertCacheKey(version, filter)
	if cached, err := r.cache.Get(ctx, key).Result(); err == nil {
		var alerts []domain.FraudAlert
		if err := json.Unmarshal([]byte(cached), &alerts); err == nil {
			return alerts, nil
		}
	}

	alerts, err := r.Repository.ListAlerts(ctx, filter)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(alerts)
	if err != nil {
		return alerts, nil
	}
	_ = r.cache.Set(ctx, key, payload, r.ttl).Err()
	return alerts, nil
}

func (r *CachedRepository) cacheVersion(ctx context.Context) (string, bool) {
	version, err := r.cache.Get(ctx, alertCacheVersionKey).Result()
	if err == nil {
		return version, true
	}
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	return "", false
}

func (r *CachedRepository) invalidateAlertCache(ctx context.Context) {
	if r.cache == nil {
		return
	}
	_ = r.cache.Incr(ctx, alertCacheVersionKey).Err()
}

func alertCacheKey(version string, filter application.AlertQueryFilter) string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(alertCacheKeyPrefix)
	b.WriteString(version)
	b.WriteString(":severity=")
	if filter.Severity != "" {
		b.WriteString(string(filter.Severity))
	} else {
		b.WriteString("any")
	}
	b.WriteString(":status=")
	if filter.Status != "" {
		b.WriteString(string(filter.Status))
	} else {
		b.WriteString("any")
	}
	b.WriteString(":limit=")
	b.WriteString(strconv.Itoa(normalizeLimit(filter.Limit)))
	return b.String()
}
