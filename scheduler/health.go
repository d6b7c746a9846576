package scheduler

import (
	"context"
	"io"
	"net/http"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/event"
	"github.com/coreshub/imaas-gateway/model"
	"github.com/coreshub/imaas-gateway/monitor"
)

// HealthChecker probes every active channel and flips its stored health
// after HEALTH_CHANGE_THRESHOLD consecutive probes disagreeing with it.
// The hysteresis keeps single flaky probes from churning the routing table.
type HealthChecker struct {
	client *http.Client

	// consecutive probe-vs-stored disagreements per channel
	differs map[int]int
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		client:  &http.Client{Timeout: 5 * time.Second},
		differs: map[int]int{},
	}
}

// Run probes on the configured interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckOnce(ctx)
		}
	}
}

// CheckOnce probes every active channel once.
func (h *HealthChecker) CheckOnce(ctx context.Context) {
	logger := gmw.GetLogger(ctx)
	channels, err := model.ListActiveChannels()
	if err != nil {
		logger.Warn("list channels for health check failed", zap.Error(err))
		return
	}

	for channel, models := range channels {
		healthy := h.Probe(ctx, channel)
		for _, modelName := range models {
			monitor.SetChannelHealth(channel.Id, modelName, healthy)
		}
		h.applyHysteresis(ctx, channel, healthy)
	}
}

// Probe issues one GET {url}/v1/models with the channel secret. The channel
// is healthy iff the status is 200 or 404 and the body is non-empty.
func (h *HealthChecker) Probe(ctx context.Context, channel *model.Channel) bool {
	url := model.ComposeUpstreamURL(channel.URL, "/models")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+channel.Secret)

	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false
	}
	return len(body) > 0
}

func (h *HealthChecker) applyHysteresis(ctx context.Context, channel *model.Channel, healthy bool) {
	probed := model.HealthDown
	if healthy {
		probed = model.HealthUp
	}
	if probed == channel.Health {
		h.differs[channel.Id] = 0
		return
	}

	h.differs[channel.Id]++
	if h.differs[channel.Id] < config.HealthChangeThreshold {
		return
	}
	h.differs[channel.Id] = 0

	logger := gmw.GetLogger(ctx)
	if err := model.UpdateChannelHealth(channel.Id, probed); err != nil {
		logger.Error("flip channel health failed",
			zap.Int("channel_id", channel.Id), zap.Error(err))
		return
	}
	logger.Info("channel health flipped",
		zap.Int("channel_id", channel.Id),
		zap.String("channel", channel.Name),
		zap.Int("health", probed))

	if err := event.PublishEvict(ctx, "channel"); err != nil {
		logger.Warn("publish routing eviction failed", zap.Error(err))
	}
}
