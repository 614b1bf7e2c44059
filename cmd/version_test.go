package cmd

import (
	"bytes"
	"fmt"
	"github.com/arcward/askbot/askbot"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := askbot.Version
	originalCommitSHA := askbot.CommitSHA
	originalBuildTime := askbot.BuildTime

	t.Cleanup(
		func() {
			askbot.Version = originalVersion
			askbot.CommitSHA = originalCommitSHA
			askbot.BuildTime = originalBuildTime
		},
	)

	askbot.Version = "1.0.0"
	askbot.CommitSHA = "abc123"
	askbot.BuildTime = "2023-10-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(
		func() {
			versionCmd.SetOut(nil)
		},
	)

	versionCmd.Run(versionCmd, nil)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		askbot.Version,
		askbot.CommitSHA,
		askbot.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}
