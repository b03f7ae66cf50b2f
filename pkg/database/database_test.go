package database

import (
	"testing"
	"time"

	"github.com/crosslogic/billing-core/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	pc, err := poolConfig(config.DatabaseConfig{
		Host:            "db.internal",
		Port:            6432,
		User:            "billing",
		Password:        "s3cr=t w@rd",
		Database:        "ledger",
		SSLMode:         "require",
		MaxOpenConns:    20,
		MaxIdleConns:    4,
		ConnMaxLifetime: time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, uint16(6432), pc.ConnConfig.Port)
	assert.Equal(t, "s3cr=t w@rd", pc.ConnConfig.Password)
	assert.Equal(t, "ledger", pc.ConnConfig.Database)
	assert.Equal(t, int32(20), pc.MaxConns)
	assert.Equal(t, int32(4), pc.MinConns)
	assert.Equal(t, time.Hour, pc.MaxConnLifetime)
}

func TestPoolConfigKeepsDefaultsForZeroValues(t *testing.T) {
	pc, err := poolConfig(config.DatabaseConfig{
		Host: "localhost", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable",
		MaxIdleConns: 1000,
	})
	require.NoError(t, err)

	assert.Positive(t, pc.MaxConns)
	assert.LessOrEqual(t, pc.MinConns, pc.MaxConns, "idle floor above the pool size is ignored")
	assert.Equal(t, 30*time.Minute, pc.MaxConnIdleTime)
}
