package database

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "valid", cfg: Config{URL: "postgres://ledger@localhost:5432/ledger", MaxConns: 4, HealthCheck: time.Minute}},
		{name: "missing url", cfg: Config{MaxConns: 4}, wantErr: "database url is required"},
		{name: "no connections", cfg: Config{URL: "postgres://localhost/ledger"}, wantErr: "invalid max connections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSchemaCreatesLedgerTables(t *testing.T) {
	all := strings.Join(Schema, "\n")
	for _, table := range []string{"ledger_nodes", "ledger_totals", "ledger_events"} {
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS "+table)
	}
	for i, stmt := range Schema {
		assert.NotEmpty(t, strings.TrimSpace(stmt), "migration %d", i+1)
	}
	// amounts must hold the full unsigned 256-bit range
	assert.Equal(t, 3, strings.Count(all, "NUMERIC(78,0) NOT NULL"))
}
