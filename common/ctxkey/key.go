package ctxkey

const (
	KeyRequestBody = "key_request_body"

	RequestModel = "request_model"
	OriginModel  = "origin_model"
	RelayMode    = "relay_mode"
	ApiKey       = "api_key"
	UserId       = "user_id"
	ChannelId    = "channel_id"
	RequestStart = "request_start"
)
