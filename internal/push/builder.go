package push

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"weather-push-go/internal/models"
)

const iconPath = "/assets/icons/icon-192.png"

// Build assembles the notification for one endpoint. The id depends only on
// the city and the endpoint, so repeated deliveries replace each other on the
// device instead of stacking.
func Build(city string, w models.Weather, endpoint, baseIconURL string) models.NotificationPayload {
	icon := strings.TrimRight(baseIconURL, "/") + iconPath

	return models.NotificationPayload{
		ID:    NotificationID(city, endpoint),
		Title: "Weather in " + city,
		Body:  w.Description + ", " + formatTemp(w.Temp) + "°",
		Icon:  icon,
		Badge: icon,
	}
}

// NotificationID is "weather-<city slug>-<12 hex of sha256(endpoint)>".
func NotificationID(city, endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return "weather-" + slug(city) + "-" + hex.EncodeToString(sum[:6])
}

// Topic maps a notification id onto an RFC 8030 Topic header value, letting
// the push service collapse undelivered messages with the same id.
func Topic(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

func formatTemp(t *float64) string {
	if t == nil {
		return ""
	}
	return strconv.FormatFloat(*t, 'f', -1, 64)
}

func slug(city string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(city)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
