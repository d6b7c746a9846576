package model

import (
	"github.com/Laisky/errors/v2"
)

const (
	StatusEnabled  = 1
	StatusDisabled = 0

	HealthUp   = 1
	HealthDown = 0
)

// Model tags decide which usage counters a request family produces and which
// unit it is billed in.
const (
	TagChat      = "chat"
	TagEmbedding = "embedding"
	TagReranker  = "reranker"
	TagTTS       = "tts"
	TagASR       = "asr"
)

// Channel is one upstream inference service endpoint.
type Channel struct {
	Id     int    `json:"id" gorm:"primaryKey"`
	Name   string `json:"name" gorm:"size:128"`
	URL    string `json:"url" gorm:"size:512"`
	Secret string `json:"secret" gorm:"size:256"`
	// ModelRedirect maps the public model name to the upstream's, JSON object.
	ModelRedirect string `json:"model_redirect" gorm:"type:text"`
	Status        int    `json:"status" gorm:"default:1"`
	// Health is mutated only by the health checker.
	Health int `json:"health" gorm:"default:1"`
}

// Model is a public model name clients may request.
type Model struct {
	Id     int    `json:"id" gorm:"primaryKey"`
	Name   string `json:"name" gorm:"size:128;uniqueIndex"`
	Tag    string `json:"tag" gorm:"size:32;default:chat"`
	Status int    `json:"status" gorm:"default:1"`
}

// ChannelBinding links channels and models many-to-many.
type ChannelBinding struct {
	Id        int `json:"id" gorm:"primaryKey"`
	ChannelId int `json:"channel_id" gorm:"index"`
	ModelId   int `json:"model_id" gorm:"index"`
	Status    int `json:"status" gorm:"default:1"`
}

// UpdateChannelHealth persists a health flip.
func UpdateChannelHealth(channelId, health int) error {
	err := DB.Model(&Channel{}).Where("id = ?", channelId).
		Update("health", health).Error
	return errors.Wrapf(err, "update health of channel %d failed", channelId)
}

// ListActiveChannels returns enabled channels with the models bound to them.
func ListActiveChannels() (map[*Channel][]string, error) {
	rows, err := loadRoutingRows()
	if err != nil {
		return nil, err
	}

	byChannel := map[int]*Channel{}
	models := map[int][]string{}
	for i := range rows {
		r := &rows[i]
		if _, ok := byChannel[r.ChannelId]; !ok {
			byChannel[r.ChannelId] = &Channel{
				Id:            r.ChannelId,
				Name:          r.ChannelName,
				URL:           r.URL,
				Secret:        r.Secret,
				ModelRedirect: r.ModelRedirect,
				Health:        r.Health,
				Status:        StatusEnabled,
			}
		}
		models[r.ChannelId] = append(models[r.ChannelId], r.ModelName)
	}

	result := map[*Channel][]string{}
	for id, ch := range byChannel {
		result[ch] = models[id]
	}
	return result, nil
}

// ListActiveModelNames returns the distinct names of enabled models that have
// at least one enabled channel, for the public model listing.
func ListActiveModelNames() ([]string, error) {
	var names []string
	err := DB.Model(&Model{}).
		Distinct("models.name").
		Joins("JOIN channel_bindings ON channel_bindings.model_id = models.id AND channel_bindings.status = ?", StatusEnabled).
		Joins("JOIN channels ON channels.id = channel_bindings.channel_id AND channels.status = ?", StatusEnabled).
		Where("models.status = ?", StatusEnabled).
		Order("models.name").
		Pluck("models.name", &names).Error
	return names, errors.Wrap(err, "list active models failed")
}

// GetModelTag returns the tag for a model name, defaulting to chat.
func GetModelTag(name string) (string, error) {
	var m Model
	err := DB.Where("name = ?", name).First(&m).Error
	if err != nil {
		return TagChat, errors.Wrapf(err, "query model %s failed", name)
	}
	if m.Tag == "" {
		return TagChat, nil
	}
	return m.Tag, nil
}
