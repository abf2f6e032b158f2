package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/guildxp/guildxp/guildxp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("GUILDXP_DATABASE_TYPE", "sqlite")
	os.Setenv("GUILDXP_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("GUILDXP_DATABASE_TYPE")
			os.Unsetenv("GUILDXP_DATABASE")
		},
	)

	passwords := []string{"testpassword", "testpassword"}
	passwordIndex := 0

	mockPasswordReader := func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)

	customPasswordReader = mockPasswordReader

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "GUILDXP_API_ADMIN_PASSWORD_HASH=$argon2id$")
	assert.Contains(t, output, "Initialization complete")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&guildxp.XPRecord{}))
	assert.True(t, mg.HasTable(&guildxp.GuildSettings{}))
	assert.True(t, mg.HasTable(&guildxp.RoleReward{}))
	assert.True(t, mg.HasTable(&guildxp.WatchedUser{}))
	assert.True(t, mg.HasTable(&guildxp.DecayRun{}))
}
