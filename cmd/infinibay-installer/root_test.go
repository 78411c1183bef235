package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const ubuntuNoble = `NAME="Ubuntu"
VERSION_ID="24.04"
ID=ubuntu
ID_LIKE=debian
PRETTY_NAME="Ubuntu 24.04.1 LTS"
`

func stubInstall(t *testing.T) *installOptions {
	t.Helper()
	original := installCmdRunner
	t.Cleanup(func() { installCmdRunner = original })

	captured := &installOptions{}
	installCmdRunner = func(_ context.Context, _ *cobra.Command, _ *rootFlags, opts installOptions) error {
		*captured = opts
		return nil
	}
	return captured
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	captured := stubInstall(t)
	path := writeTemp(t, "installer.yaml", "db_user: fromfile\ndb_name: filedb\nbackend_port: 5000\n")

	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "--db-user", "flaguser", "--rebuild", "--dry-run"})
	require.NoError(t, root.Execute())

	cfg := captured.Config
	require.NotNil(t, cfg)
	require.Equal(t, "flaguser", cfg.DBUser)
	require.Equal(t, "filedb", cfg.DBName)
	require.Equal(t, 5000, cfg.BackendPort)
	require.True(t, cfg.DryRun)
	require.True(t, captured.Rebuild)
}

func TestConfigFileRejectsUnknownKeys(t *testing.T) {
	stubInstall(t)
	path := writeTemp(t, "installer.yaml", "db_usr: typo\n")

	root := newRootCmd()
	root.SetArgs([]string{"--config", path})
	err := root.Execute()

	var cmdErr *commandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, "load configuration", cmdErr.operation)
}

func TestUnsupportedOSIsRejected(t *testing.T) {
	osRelease := writeTemp(t, "os-release", "ID=ubuntu\nVERSION_ID=\"22.04\"\n")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--dry-run", "--os-release", osRelease})
	err := root.Execute()

	var cmdErr *commandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, "check operating system", cmdErr.operation)
}

func TestDryRunPrintsPlanWithoutRoot(t *testing.T) {
	osRelease := writeTemp(t, "os-release", ubuntuNoble)
	installDir := filepath.Join(t.TempDir(), "infinibay")

	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{
		"--dry-run", "--os-release", osRelease,
		"--install-dir", installDir,
		"--host-ip", "10.0.0.5",
		"--db-password", "secret",
		"--skip-virtio",
	})
	require.NoError(t, root.ExecuteContext(context.Background()))

	output := out.String()
	require.Contains(t, output, "DRY RUN MODE")
	require.Contains(t, output, "Would clone and build repositories")
	require.Contains(t, output, "Would create services and configuration")
	require.NoDirExists(t, installDir)
}

func TestInvalidFlagsFailValidation(t *testing.T) {
	osRelease := writeTemp(t, "os-release", ubuntuNoble)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--dry-run", "--os-release", osRelease, "--host-ip", "10.0.0.5", "--backend-port", "3000", "--frontend-port", "3000"})
	err := root.Execute()

	var cmdErr *commandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, "validate configuration", cmdErr.operation)
}
