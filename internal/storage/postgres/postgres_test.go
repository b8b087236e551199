package postgres

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestOpen_RequiresDSN(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{"zero", Config{}, Config{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute}},
		{"explicit", Config{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: time.Minute}, Config{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: time.Minute}},
		{"idle capped by open", Config{MaxOpenConns: 3, MaxIdleConns: 8}, Config{MaxOpenConns: 3, MaxIdleConns: 3, ConnMaxLifetime: 30 * time.Minute}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.withDefaults(); got != tc.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tc.want)
			}
		})
	}
}
