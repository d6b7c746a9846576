package model

import (
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/coreshub/imaas-gateway/common/cache"
)

// DefaultModelName is the fallback row name when a (level, model) pair has no
// dedicated rate limit.
const DefaultModelName = "Default"

// RateLimit is the per (user level, model) request and token budget.
// A value of -1 disables the corresponding limit.
type RateLimit struct {
	Id        int    `json:"id" gorm:"primaryKey"`
	Level     int    `json:"level" gorm:"index:idx_level_model,unique"`
	ModelName string `json:"model_name" gorm:"size:128;index:idx_level_model,unique"`
	RPM       int    `json:"rpm"`
	TPM       int    `json:"tpm"`
}

// GetRateLimit fetches the row for (level, model), falling back to the
// Default row of the level. Returns nil when neither exists.
func GetRateLimit(level int, modelName string) (*RateLimit, error) {
	var limit RateLimit
	err := DB.Where("level = ? AND model_name = ?", level, modelName).First(&limit).Error
	if err == nil {
		return &limit, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "query rate limit failed")
	}

	err = DB.Where("level = ? AND model_name = ?", level, DefaultModelName).First(&limit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "query default rate limit failed")
	}
	return &limit, nil
}

// ListRateLimits returns every configured row, used by the startup refresh.
func ListRateLimits() ([]RateLimit, error) {
	var limits []RateLimit
	err := DB.Find(&limits).Error
	return limits, errors.Wrap(err, "list rate limits failed")
}

// ModelParam is a per-model default request parameter, today only
// "max_tokens" with a default value and an upper bound.
type ModelParam struct {
	Id        int    `json:"id" gorm:"primaryKey"`
	ModelName string `json:"model_name" gorm:"size:128;index:idx_model_param,unique"`
	Param     string `json:"param" gorm:"size:64;index:idx_model_param,unique"`
	Value     int    `json:"value"`
	Max       int    `json:"max"`
}

const (
	ParamMaxTokens      = "max_tokens"
	DefaultMaxTokens    = 4096
	DefaultMaxTokensCap = 8192
)

var paramCache = cache.New("param", 10*time.Minute, 1000)

// CachedGetModelParam returns the parameter row for (model, param), falling
// back to the built-in default when none is configured.
func CachedGetModelParam(modelName, param string) (*ModelParam, error) {
	key := cache.Key(modelName, param)
	if cached, ok := paramCache.Get(key); ok {
		return cached.(*ModelParam), nil
	}

	var row ModelParam
	err := DB.Where("model_name = ? AND param = ?", modelName, param).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(err, "query model param failed")
		}
		row = ModelParam{ModelName: modelName, Param: param,
			Value: DefaultMaxTokens, Max: DefaultMaxTokensCap}
	}
	paramCache.Set(key, &row)
	return &row, nil
}
