package main

import (
	"testing"
	"time"

	"github.com/atmx/arena-engine/internal/arena"
	"github.com/atmx/arena-engine/internal/config"
	"github.com/atmx/arena-engine/internal/model"
)

func TestResolveSession(t *testing.T) {
	g, err := arena.NewGate([]config.Market{{
		Type: model.MarketUSEquity, Tickers: []string{"AAPL"},
		Timezone: "America/New_York", OpenTime: "09:30", CloseTime: "16:00",
	}})
	if err != nil {
		t.Fatal(err)
	}

	openWindow := time.Date(2024, 1, 16, 14, 40, 0, 0, time.UTC) // 09:40 New York
	midday := time.Date(2024, 1, 16, 17, 0, 0, 0, time.UTC)
	lateUTC := time.Date(2024, 1, 17, 2, 0, 0, 0, time.UTC) // still Jan 16 in New York

	tests := []struct {
		name          string
		now           time.Time
		session, date string
		want          model.Session
	}{
		{"open window", openWindow, "", "", model.Session{Date: "2024-01-16", Type: model.SessionOpen}},
		{"no window defaults to close", midday, "", "", model.Session{Date: "2024-01-16", Type: model.SessionClose}},
		{"market date, not UTC date", lateUTC, "", "", model.Session{Date: "2024-01-16", Type: model.SessionClose}},
		{"explicit", midday, "open", "2024-01-10", model.Session{Date: "2024-01-10", Type: model.SessionOpen}},
		{"explicit date ignores current window", openWindow, "", "2024-01-12", model.Session{Date: "2024-01-12", Type: model.SessionClose}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveSession(g, tt.now, tt.session, tt.date)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}

	if _, err := resolveSession(g, midday, "NOON", ""); err == nil {
		t.Error("expected error for unknown session type")
	}
}
