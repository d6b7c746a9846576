package model

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/coreshub/imaas-gateway/common/cache"
)

const (
	ApiKeyStatusActive   = "active"
	ApiKeyStatusInactive = "inactive"
	ApiKeyStatusDeleted  = "delete"
)

// ApiKey is an issued client credential. The id itself is the bearer token
// ("sk-" prefixed, 48 chars).
type ApiKey struct {
	Id         string `json:"id" gorm:"primaryKey;size:64"`
	UserId     string `json:"user_id" gorm:"size:64;index"`
	Name       string `json:"name" gorm:"size:128"`
	Status     string `json:"status" gorm:"size:16;default:active"`
	CreatedAt  int64  `json:"created_at" gorm:"bigint;autoCreateTime"`
	LastUsedAt int64  `json:"last_used_at" gorm:"bigint"`
}

func (ApiKey) TableName() string {
	return "api_keys"
}

var apiKeyCache = cache.New("apikey", 10*time.Minute, 10000)

// CachedGetApiKey looks an api key up by its bearer id, serving repeats from
// the in-process cache. Deleted keys behave as absent.
func CachedGetApiKey(id string) (*ApiKey, error) {
	if cached, ok := apiKeyCache.Get(id); ok {
		return cached.(*ApiKey), nil
	}

	var key ApiKey
	err := DB.Where("id = ? AND status <> ?", id, ApiKeyStatusDeleted).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "query api key failed")
	}
	apiKeyCache.Set(id, &key)
	return &key, nil
}

// lastUsedTracker batches last_used_at writes: per-request updates land in a
// map and a periodic flush persists the per-key maximum, so the column never
// moves backwards even with several replicas racing.
type lastUsedTracker struct {
	mu    sync.Mutex
	times map[string]int64
}

var lastUsed = &lastUsedTracker{times: map[string]int64{}}

// TouchApiKey records a use of the key at now.
func TouchApiKey(id string) {
	now := time.Now().Unix()
	lastUsed.mu.Lock()
	if now > lastUsed.times[id] {
		lastUsed.times[id] = now
	}
	lastUsed.mu.Unlock()
}

// FlushLastUsed persists pending last_used_at updates, taking the maximum of
// the stored and the pending value.
func FlushLastUsed(ctx context.Context) {
	lastUsed.mu.Lock()
	pending := lastUsed.times
	lastUsed.times = map[string]int64{}
	lastUsed.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	logger := gmw.GetLogger(ctx)
	for id, ts := range pending {
		err := DB.Model(&ApiKey{}).
			Where("id = ? AND last_used_at < ?", id, ts).
			Update("last_used_at", ts).Error
		if err != nil {
			logger.Warn("flush last_used_at failed",
				zap.String("api_key", id), zap.Error(err))
		}
	}
	logger.Debug("flushed api key last_used_at", zap.Int("count", len(pending)))
}
