package model

// Token types distinguish what a usage number counts.
const (
	TokenTypePrompt     = "prompt_tokens"
	TokenTypeCompletion = "completion_tokens"
	TokenTypeCached     = "cached_tokens"
	TokenTypeTotal      = "total_tokens"
	TokenTypeWords      = "words"
	TokenTypeSeconds    = "seconds"
)

// Metric units name what a request family is metered in.
const (
	UnitToken   = "token"
	UnitWords   = "words"
	UnitSeconds = "seconds"
	UnitCounts  = "counts"
)

// PromptTokensDetails carries the cached-token split some upstreams report.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// Usage is the OpenAI-shape usage block.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	CachedTokens        int                  `json:"cached_tokens,omitempty"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// NormalizeCached splits reported prompt tokens into cached and uncached
// parts when the upstream provides the detail.
func (u *Usage) NormalizeCached() {
	if u.PromptTokensDetails == nil || u.PromptTokensDetails.CachedTokens <= 0 {
		return
	}
	u.CachedTokens = u.PromptTokensDetails.CachedTokens
	u.PromptTokens -= u.CachedTokens
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
}

// UsageEvent is the immutable record placed on the invoke queue.
type UsageEvent struct {
	Model            string  `json:"model"`
	ChannelId        int     `json:"channel_id"`
	UserId           string  `json:"user_id"`
	ApiKey           string  `json:"api_key"`
	ModelTag         string  `json:"model_tag"`
	DateTime         string  `json:"date_time"`
	CostTime         float64 `json:"cost_time"`
	TraceId          string  `json:"trace_id"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CachedTokens     int     `json:"cached_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	SpeechLength     float64 `json:"speech_length"`
	Words            int     `json:"words"`
}

// ErrorEvent is the record placed on the error queue.
type ErrorEvent struct {
	Model     string  `json:"model"`
	ChannelId int     `json:"channel_id"`
	UserId    string  `json:"user_id"`
	ApiKey    string  `json:"api_key"`
	DateTime  string  `json:"date_time"`
	CostTime  float64 `json:"cost_time"`
	Err       string  `json:"err"`
	Message   string  `json:"message"`
	Stream    bool    `json:"stream"`
	TraceId   string  `json:"trace_id"`
}
