package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/guildxp/guildxp/guildxp"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := guildxp.Version
	originalCommitSHA := guildxp.CommitSHA
	originalBuildTime := guildxp.BuildTime

	t.Cleanup(
		func() {
			guildxp.Version = originalVersion
			guildxp.CommitSHA = originalCommitSHA
			guildxp.BuildTime = originalBuildTime
		},
	)

	guildxp.Version = "1.0.0"
	guildxp.CommitSHA = "abc123"
	guildxp.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		guildxp.Version,
		guildxp.CommitSHA,
		guildxp.BuildTime,
	)
	assert.Equal(t, expected, output)
}
