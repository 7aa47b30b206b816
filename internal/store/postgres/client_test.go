package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/blpsettle?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "blpsettle"}))
	assert.Equal(t, "postgres://u:p@db:6543/x?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "x", SSLMode: "require"}))
	assert.Equal(t, "postgres://override", DSN(ClientConfig{DSN: "postgres://override", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	assert.NoError(t, err)
	for _, table := range []string{"markets", "positions", "liquidity_pool", "withdraw_requests", "settlements", "audit_log", "ledger_balances"} {
		assert.True(t, strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS "+table+" "), table)
	}
}
