package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/coreshub/imaas-gateway/common"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// Meter sorted sets accumulate raw usage per (user, model, channel,
// token_type) until the billing sweep converts whole billable units into
// charges. Token and word meters bill per thousand, counts and seconds per
// one.
const (
	MeterTokens  = "tokens_for_bill"
	MeterWords   = "words_for_bill"
	MeterCounts  = "counts_for_bill"
	MeterSeconds = "seconds_for_bill"
)

var meterRates = map[string]int64{
	MeterTokens:  1000,
	MeterWords:   1000,
	MeterCounts:  1,
	MeterSeconds: 1,
}

var meterUnits = map[string]string{
	MeterTokens:  relaymodel.UnitToken,
	MeterWords:   relaymodel.UnitWords,
	MeterCounts:  relaymodel.UnitCounts,
	MeterSeconds: relaymodel.UnitSeconds,
}

// MeterKeys lists every meter in sweep order.
func MeterKeys() []string {
	return []string{MeterTokens, MeterWords, MeterCounts, MeterSeconds}
}

// MeterRate returns how many raw units make one billable unit.
func MeterRate(meter string) int64 {
	return meterRates[meter]
}

// MeterUnit returns the billing unit name of a meter.
func MeterUnit(meter string) string {
	return meterUnits[meter]
}

// MeterForUnit maps a metric unit to its meter key.
func MeterForUnit(unit string) string {
	switch unit {
	case relaymodel.UnitWords:
		return MeterWords
	case relaymodel.UnitSeconds:
		return MeterSeconds
	case relaymodel.UnitCounts:
		return MeterCounts
	default:
		return MeterTokens
	}
}

// MeterMember builds the accumulator member for one usage dimension.
func MeterMember(user, modelName string, channelId int, tokenType string) string {
	return fmt.Sprintf("%s:%s:%d:%s", user, modelName, channelId, tokenType)
}

// meterEntry is a parsed accumulator member.
type meterEntry struct {
	User      string
	Model     string
	ChannelId int
	TokenType string
}

func parseMeterMember(member string) (meterEntry, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 4 {
		return meterEntry{}, errors.Errorf("malformed meter member %q", member)
	}
	var channelId int
	if _, err := fmt.Sscanf(parts[2], "%d", &channelId); err != nil {
		return meterEntry{}, errors.Wrapf(err, "malformed channel id in meter member %q", member)
	}
	return meterEntry{
		User:      parts[0],
		Model:     parts[1],
		ChannelId: channelId,
		TokenType: parts[3],
	}, nil
}

// AddMeter accumulates mount raw units on the meter for unit.
func AddMeter(ctx context.Context, unit, member string, mount float64) error {
	key := common.WrapKey(MeterForUnit(unit))
	err := common.RDB.ZIncrBy(ctx, key, mount, member).Err()
	return errors.Wrapf(err, "increment meter %s failed", key)
}
