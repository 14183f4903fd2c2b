package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "atrund.cfg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadDefaultsAppliedWhenOmitted(t *testing.T) {
	path := writeConfig(t, `
[Global]
Spool_Dir=/var/spool/atrund/jobs
Out_Spool_Dir=/var/spool/atrund/output
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/spool/atrund/jobs", c.SpoolDir)
	require.Equal(t, defaultServiceUser, c.ServiceUser)
	require.Equal(t, defaultMailProgram, c.MailProgram)
	require.Equal(t, defaultLoadAvg, c.LoadAvg)
	require.Equal(t, int64(60), int64(c.BatchInterval.Seconds()))
}

func TestLoadRequiresSpoolDir(t *testing.T) {
	path := writeConfig(t, `
[Global]
Out_Spool_Dir=/var/spool/atrund/output
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.cfg")
	big := make([]byte, maxConfigSize+1)
	require.NoError(t, os.WriteFile(path, big, 0600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyCLIOverrides(t *testing.T) {
	c := Config{LoadAvg: 0.8, BatchInterval: 60}
	c = c.ApplyCLIOverrides(-1, 30, true, true)
	require.Equal(t, defaultLoadAvg, c.LoadAvg) // <=0 resets to default
	require.Equal(t, int64(30), int64(c.BatchInterval.Seconds()))
}
