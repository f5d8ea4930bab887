package models

import (
	"strings"
	"time"
)

// Weather is a snapshot of current conditions for one city.
type Weather struct {
	Temp        *float64 `json:"temp,omitempty"`
	Description string   `json:"description,omitempty"`
}

// NewWeather builds a fully populated snapshot.
func NewWeather(temp float64, description string) Weather {
	return Weather{Temp: &temp, Description: description}
}

// Complete reports whether both fields are set. Incomplete snapshots must
// never be turned into a notification.
func (w *Weather) Complete() bool {
	return w != nil && w.Temp != nil && w.Description != ""
}

type Coords struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type LastCity struct {
	Endpoint   string     `json:"endpoint"`
	Name       string     `json:"name"`
	LastData   *Weather   `json:"last_data,omitempty"`
	Coords     *Coords    `json:"coords,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastPushAt *time.Time `json:"last_push_at,omitempty"`
}

// PushedWithin reports whether a push was delivered less than d before now.
func (c LastCity) PushedWithin(d time.Duration, now time.Time) bool {
	return c.LastPushAt != nil && now.Sub(*c.LastPushAt) < d
}

// CityKey normalises a city name for grouping and caching: case and
// repeated whitespace are ignored.
func CityKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// CachedWeather is a weather snapshot remembered for a city.
type CachedWeather struct {
	City      string    `json:"city"`
	Weather   Weather   `json:"weather"`
	FetchedAt time.Time `json:"fetched_at"`
}
