package model

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"golang.org/x/sync/singleflight"

	"github.com/coreshub/imaas-gateway/common/cache"
)

// ChannelView is one routing candidate for a model.
type ChannelView struct {
	ChannelId     int
	ChannelName   string
	URL           string
	Secret        string
	Health        int
	ModelRedirect map[string]string
}

// UpstreamModel returns the effective model name sent upstream.
func (v *ChannelView) UpstreamModel(model string) string {
	if redirected, ok := v.ModelRedirect[model]; ok && redirected != "" {
		return redirected
	}
	return model
}

// RoutingTable maps a public model name to its ordered channel candidates.
type RoutingTable map[string][]ChannelView

type routingRow struct {
	ChannelId     int
	ChannelName   string
	URL           string
	Secret        string
	Health        int
	ModelRedirect string
	ModelName     string
}

func loadRoutingRows() ([]routingRow, error) {
	var rows []routingRow
	err := DB.Table("channels").
		Select("channels.id AS channel_id, channels.name AS channel_name, channels.url, channels.secret, channels.health, channels.model_redirect, models.name AS model_name").
		Joins("JOIN channel_bindings ON channel_bindings.channel_id = channels.id AND channel_bindings.status = ?", StatusEnabled).
		Joins("JOIN models ON models.id = channel_bindings.model_id AND models.status = ?", StatusEnabled).
		Where("channels.status = ?", StatusEnabled).
		Order("channels.id").
		Scan(&rows).Error
	return rows, errors.Wrap(err, "load routing rows failed")
}

// routingCache holds the single routing table entry; eviction events from
// channel/model mutations clear it.
var routingCache = cache.New("channel", 30*time.Minute, 4)

const routingTableKey = "routing_table"

var routingGroup singleflight.Group

// GetRoutingTable returns the cached routing table, loading it from the
// database on miss. Concurrent misses collapse into a single load.
func GetRoutingTable(ctx context.Context) (RoutingTable, error) {
	if cached, ok := routingCache.Get(routingTableKey); ok {
		return cached.(RoutingTable), nil
	}

	table, err, _ := routingGroup.Do(routingTableKey, func() (any, error) {
		return buildRoutingTable(ctx)
	})
	if err != nil {
		return nil, err
	}
	return table.(RoutingTable), nil
}

func buildRoutingTable(ctx context.Context) (RoutingTable, error) {
	rows, err := loadRoutingRows()
	if err != nil {
		return nil, err
	}

	logger := gmw.GetLogger(ctx)
	table := RoutingTable{}
	for _, row := range rows {
		redirect := map[string]string{}
		if row.ModelRedirect != "" {
			if err := json.Unmarshal([]byte(row.ModelRedirect), &redirect); err != nil {
				// a malformed redirect map must not take the channel out of rotation
				logger.Warn("parse model_redirect failed",
					zap.Int("channel_id", row.ChannelId), zap.Error(err))
				redirect = map[string]string{}
			}
		}
		table[row.ModelName] = append(table[row.ModelName], ChannelView{
			ChannelId:     row.ChannelId,
			ChannelName:   row.ChannelName,
			URL:           row.URL,
			Secret:        row.Secret,
			Health:        row.Health,
			ModelRedirect: redirect,
		})
	}

	routingCache.Set(routingTableKey, table)
	return table, nil
}

// PickChannel selects a channel for (model, apiKey). Unhealthy channels are
// skipped while at least one healthy candidate exists; when every candidate
// is down the full list is used so a recovered upstream can still be reached.
// With an api key the pick is stable (hash mod n), otherwise uniform random.
func PickChannel(ctx context.Context, modelName, apiKey string) (*ChannelView, error) {
	table, err := GetRoutingTable(ctx)
	if err != nil {
		return nil, err
	}

	candidates, ok := table[modelName]
	if !ok || len(candidates) == 0 {
		return nil, errors.Errorf("no channel for model %s", modelName)
	}

	healthy := make([]ChannelView, 0, len(candidates))
	for _, c := range candidates {
		if c.Health == HealthUp {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) > 0 {
		candidates = healthy
	}

	if len(candidates) == 1 {
		return &candidates[0], nil
	}
	var idx int
	if apiKey != "" {
		h := fnv.New32a()
		_, _ = h.Write([]byte(apiKey))
		idx = int(h.Sum32()) % len(candidates)
	} else {
		idx = rand.Intn(len(candidates))
	}
	return &candidates[idx], nil
}

// ComposeUpstreamURL builds the outbound URL from a channel url and the
// request path after the version prefix (e.g. "/chat/completions"):
//   - url ending in "#" is used verbatim with the marker stripped;
//   - url ending in "/" keeps its own path, the request path is appended;
//   - otherwise "/v1" plus the request path is appended.
func ComposeUpstreamURL(upstreamURL, reqPath string) string {
	switch {
	case strings.HasSuffix(upstreamURL, "#"):
		return strings.TrimSuffix(upstreamURL, "#")
	case strings.HasSuffix(upstreamURL, "/"):
		return strings.TrimSuffix(upstreamURL, "/") + reqPath
	default:
		return upstreamURL + "/v1" + reqPath
	}
}
