package push

import (
	"regexp"
	"strings"
	"testing"

	"weather-push-go/internal/models"
)

func TestBuild(t *testing.T) {
	p := Build("Madurai", models.NewWeather(31.2, "haze"), "https://push.example/e1", "https://app.example/")

	if p.Title != "Weather in Madurai" {
		t.Errorf("title = %q", p.Title)
	}
	if p.Body != "haze, 31.2°" {
		t.Errorf("body = %q", p.Body)
	}
	if p.Icon != "https://app.example/assets/icons/icon-192.png" || p.Badge != p.Icon {
		t.Errorf("icon = %q badge = %q", p.Icon, p.Badge)
	}
	if !regexp.MustCompile(`^weather-madurai-[0-9a-f]{12}$`).MatchString(p.ID) {
		t.Errorf("id = %q", p.ID)
	}
}

func TestBuildTemperatureFormatting(t *testing.T) {
	tests := []struct {
		temp float64
		want string
	}{
		{20, "clear, 20°"},
		{-3.5, "clear, -3.5°"},
		{0.25, "clear, 0.25°"},
	}
	for _, tt := range tests {
		p := Build("X", models.NewWeather(tt.temp, "clear"), "e", "")
		if p.Body != tt.want {
			t.Errorf("temp %v: body = %q, want %q", tt.temp, p.Body, tt.want)
		}
	}
}

func TestNotificationIDDeterminism(t *testing.T) {
	w := models.NewWeather(10, "rain")
	a := Build("Paris", w, "e1", "")
	b := Build("Paris", w, "e1", "")
	if a.ID != b.ID {
		t.Fatalf("same inputs gave %q and %q", a.ID, b.ID)
	}

	// Different conditions keep the id so the device replaces the notification.
	c := Build("Paris", models.NewWeather(12, "clouds"), "e1", "")
	if c.ID != a.ID {
		t.Errorf("weather change altered id: %q vs %q", c.ID, a.ID)
	}

	if Build("Lyon", w, "e1", "").ID == a.ID {
		t.Error("different city produced the same id")
	}
	if Build("Paris", w, "e2", "").ID == a.ID {
		t.Error("different endpoint produced the same id")
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"New York":         "new-york",
		"  São   Paulo ":   "são-paulo",
		"St. John's":       "st-john-s",
		"Rio de Janeiro!!": "rio-de-janeiro",
	}
	for in, want := range tests {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTopic(t *testing.T) {
	id := NotificationID("Paris", "e1")
	topic := Topic(id)
	if len(topic) != 32 {
		t.Fatalf("topic length = %d", len(topic))
	}
	if strings.Trim(topic, "0123456789abcdef") != "" {
		t.Errorf("topic %q is not hex", topic)
	}
	if Topic(id) != topic {
		t.Error("topic not deterministic")
	}
}
