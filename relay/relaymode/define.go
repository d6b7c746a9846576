package relaymode

import "strings"

const (
	Unknown = iota
	ChatCompletions
	Completions
	Embeddings
	Rerank
	// AudioSpeech is JSON text-to-speech
	AudioSpeech
	// AudioSpeechExt is multipart text-to-speech with an optional prompt wav
	AudioSpeechExt
	AudioTranscription
)

// GetByPath resolves the relay mode from the request path after the
// version prefix.
func GetByPath(path string) int {
	switch {
	case strings.HasPrefix(path, "/chat/completions"):
		return ChatCompletions
	case strings.HasPrefix(path, "/completions"):
		return Completions
	case strings.HasPrefix(path, "/embeddings"):
		return Embeddings
	case strings.HasPrefix(path, "/rerank"):
		return Rerank
	case strings.HasPrefix(path, "/audio/speech-ext"):
		return AudioSpeechExt
	case strings.HasPrefix(path, "/audio/speech"):
		return AudioSpeech
	case strings.HasPrefix(path, "/audio/transcriptions"):
		return AudioTranscription
	default:
		return Unknown
	}
}

func String(mode int) string {
	switch mode {
	case ChatCompletions:
		return "chat"
	case Completions:
		return "completion"
	case Embeddings:
		return "embedding"
	case Rerank:
		return "rerank"
	case AudioSpeech:
		return "audio_speech"
	case AudioSpeechExt:
		return "audio_speech_ext"
	case AudioTranscription:
		return "audio_transcription"
	default:
		return "unknown"
	}
}
