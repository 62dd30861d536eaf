package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashback-engine/internal/config"
	"cashback-engine/internal/engine"
	"cashback-engine/internal/storage"
)

func TestRunStatus(t *testing.T) {
	var cfg config.Config
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "cashback.db")

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	db, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
	require.NoError(t, err)
	require.NoError(t, db.SaveActivations(context.Background(), []engine.ActivationEntry{
		{Domain: "example.com", At: at, ClickID: "c-1", TabIDs: []engine.TabID{1}},
	}))
	require.NoError(t, db.Close())

	tests := []struct {
		name   string
		domain string
		now    time.Time
		want   string
	}{
		{"active", "www.shop.example.com", at.Add(time.Minute), "example.com: active (activated 2026-03-14T12:00:00Z, click c-1)\n"},
		{"expired", "example.com", at.Add(time.Hour), "example.com: expired (activated 2026-03-14T12:00:00Z, click c-1)\n"},
		{"unknown", "www.other.org", at, "other.org: not activated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, runStatus(context.Background(), &out, cfg, tt.domain, tt.now))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestStatusCmd_RequiresDomain(t *testing.T) {
	rootCmd.SetArgs([]string{"status"})
	rootCmd.SetOut(&bytes.Buffer{})
	assert.Error(t, rootCmd.Execute())
}
