package helper

import (
	"fmt"
	"math/rand"
	"time"
	"unicode"

	gutils "github.com/Laisky/go-utils/v6"
)

// GenRequestId returns a sortable unique id for a request.
func GenRequestId() string {
	id, err := gutils.UUID7(), error(nil)
	if err != nil {
		// UUID7 only fails when the clock is broken; fall back to randomness.
		return RandomId(32)
	}
	return id
}

const randomIdAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomId returns a random alphanumeric id of the given length,
// used for billing event ids and uploaded file ids.
func RandomId(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = randomIdAlphabet[rand.Intn(len(randomIdAlphabet))]
	}
	return string(b)
}

// MessageWithRequestId appends the request id so users can quote it in reports.
func MessageWithRequestId(message string, id string) string {
	return fmt.Sprintf("%s (request id: %s)", message, id)
}

// CountCharacters counts billable characters for speech synthesis.
// CJK characters weigh double.
func CountCharacters(text string) int {
	count := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			count += 2
		} else {
			count++
		}
	}
	return count
}

// GetTimestamp returns the current unix time in seconds.
func GetTimestamp() int64 {
	return time.Now().Unix()
}
