package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreshub/imaas-gateway/common/config"
)

var (
	registry = prometheus.NewRegistry()

	// TokenUsage accumulates billable usage per label set. Incremented only
	// by the usage consumer.
	TokenUsage = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_usage_total",
		Help: "Cumulative usage counted per user, model, api key, token type and unit",
	}, []string{"user_id", "model", "api_key", "token_type", "unit"})

	// APIError counts upstream and gateway errors per request shape.
	APIError = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imaas_api_error",
		Help: "Errors observed while relaying requests",
	}, []string{"model", "channel_id", "user_id", "api_key", "err", "stream"})

	// ChannelHealth reflects the latest probe result per channel and model.
	ChannelHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "channel_health",
		Help: "1 when the channel answered its last probe, 0 otherwise",
	}, []string{"channel_id", "model"})
)

func init() {
	registry.MustRegister(TokenUsage, APIError, ChannelHealth)
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecoverCounter queries the external Prometheus for the historical maximum
// of a label set. Replaced in tests.
var RecoverCounter = queryPrometheusMax

var (
	seenMu     sync.Mutex
	seenLabels = map[string]bool{}
)

// AddTokenUsage increments the usage counter. Counters restart at zero with
// the process, so the first increment of a label set seeds the counter with
// the maximum Prometheus remembers for the past 30 days.
func AddTokenUsage(ctx context.Context, userId, modelName, apiKey, tokenType, unit string, count float64) {
	labelKey := fmt.Sprintf("%s|%s|%s|%s|%s", userId, modelName, apiKey, tokenType, unit)

	seenMu.Lock()
	first := !seenLabels[labelKey]
	seenLabels[labelKey] = true
	seenMu.Unlock()

	counter := TokenUsage.WithLabelValues(userId, modelName, apiKey, tokenType, unit)
	if first {
		recovered, err := RecoverCounter(ctx, map[string]string{
			"user_id": userId, "model": modelName, "api_key": apiKey,
			"token_type": tokenType, "unit": unit,
		})
		if err != nil {
			gmw.GetLogger(ctx).Warn("recover token usage counter failed", zap.Error(err))
		} else if recovered > 0 {
			counter.Add(recovered)
		}
	}
	counter.Add(count)
}

// queryPrometheusMax asks Prometheus for
// max(last_over_time(token_usage_total{labels}[30d])).
func queryPrometheusMax(ctx context.Context, labels map[string]string) (float64, error) {
	if config.PrometheusHost == "" {
		return 0, nil
	}

	matcher := ""
	for k, v := range labels {
		matcher += fmt.Sprintf(`%s=%q,`, k, v)
	}
	query := fmt.Sprintf("max(last_over_time(token_usage_total{%s}[30d]))", matcher)

	endpoint := fmt.Sprintf("http://%s/api/v1/query?query=%s",
		config.PrometheusHost, url.QueryEscape(query))
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errors.Wrap(err, "build prometheus query failed")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "query prometheus failed")
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Value [2]any `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "decode prometheus response failed")
	}
	if body.Status != "success" || len(body.Data.Result) == 0 {
		return 0, nil
	}
	raw, ok := body.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse prometheus value failed")
	}
	return val, nil
}

// CountAPIError increments the error counter.
func CountAPIError(modelName string, channelId int, userId, apiKey, errName string, stream bool) {
	APIError.WithLabelValues(modelName, strconv.Itoa(channelId), userId, apiKey,
		errName, strconv.FormatBool(stream)).Inc()
}

// SetChannelHealth records the probe result for a (channel, model) pair.
func SetChannelHealth(channelId int, modelName string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	ChannelHealth.WithLabelValues(strconv.Itoa(channelId), modelName).Set(val)
}
