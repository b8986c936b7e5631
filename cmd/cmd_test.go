package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/clientbook/internal/config"
	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/store"
)

// useTestConfig points the global config at a fresh SQLite database.
func useTestConfig(t *testing.T) {
	t.Helper()
	old := cfg
	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cmd.db")},
		Import: config.ImportConfig{
			ProgressInterval: 10,
			MaxUploadBytes:   10 << 20,
			Workers:          1,
			QueueSize:        4,
			RetryAttempts:    1,
		},
		Server: config.ServerConfig{Port: 8080},
	}
	t.Cleanup(func() { cfg = old })
}

func execute(t *testing.T, c *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetContext(context.Background())
	t.Cleanup(func() { c.SetOut(nil) })
	err := c.RunE(c, args)
	return out.String(), err
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "import", "jobs", "branches", "migrate", "migrate-phones"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "clientbook", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_LogLevelOverride(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	old, oldOverride := cfg, logLevelOverride
	t.Cleanup(func() { cfg, logLevelOverride = old, oldOverride })

	logLevelOverride = "debug"
	require.NoError(t, rootCmd.PersistentPreRunE(migrateCmd, nil))
	assert.Equal(t, "debug", cfg.Log.Level)

	logLevelOverride = "chatty"
	err := rootCmd.PersistentPreRunE(migrateCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestCommandFlags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)

	require.NotNil(t, importCmd.Flags().Lookup("file"))
	require.NotNil(t, importCmd.Flags().Lookup("branch"))

	dry := migratePhonesCmd.Flags().Lookup("dry-run")
	require.NotNil(t, dry)
	assert.Equal(t, "false", dry.DefValue)

	format := jobsCmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "table", format.DefValue)
}

func TestMigrateCmd(t *testing.T) {
	useTestConfig(t)
	_, err := execute(t, migrateCmd)
	require.NoError(t, err)
	_, err = os.Stat(cfg.Store.DatabaseURL)
	assert.NoError(t, err)
}

func TestMigrateCmd_BadDriver(t *testing.T) {
	useTestConfig(t)
	cfg.Store.Driver = "mysql"
	_, err := execute(t, migrateCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestBranchesAddAndList(t *testing.T) {
	useTestConfig(t)

	out, err := execute(t, branchesAddCmd, "Main")
	require.NoError(t, err)
	assert.Contains(t, out, "added branch Main")

	_, err = execute(t, branchesAddCmd, "Main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, branchesAddCmd, "Westlands")
	require.NoError(t, err)

	out, err = execute(t, branchesListCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Main\n")
	assert.Contains(t, out, "Westlands\n")
}

func TestImportCmd_EndToEnd(t *testing.T) {
	useTestConfig(t)
	_, err := execute(t, branchesAddCmd, "Main")
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "clients.csv")
	csv := "Name,Phone,DOB\nJane,0700111222,1990-05-01\nNo Birthday,0700333444,\n"
	require.NoError(t, os.WriteFile(file, []byte(csv), 0o644))

	oldFile, oldBranch := importFile, importBranch
	importFile, importBranch = file, "Main"
	t.Cleanup(func() { importFile, importBranch = oldFile, oldBranch })

	out, err := execute(t, importCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Successfully imported 1 client(s). 0 failed. 1 skipped.")
	assert.Contains(t, out, "row 3 No Birthday: missing required data")

	jobsFormat = "json"
	t.Cleanup(func() { jobsFormat = "table" })
	out, err = execute(t, jobsListCmd)
	require.NoError(t, err)

	var jobs []model.ImportJob
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, 100, jobs[0].Progress)

	jobsFormat = "yaml"
	out, err = execute(t, jobsShowCmd, jobs[0].ID)
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, jobs[0].ID, shown["jobId"])
	assert.Equal(t, "completed", shown["status"])
}

func TestImportCmd_MissingFile(t *testing.T) {
	useTestConfig(t)
	oldFile := importFile
	importFile = "/nonexistent/clients.xlsx"
	t.Cleanup(func() { importFile = oldFile })

	_, err := execute(t, importCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat file")
}

func TestImportCmd_RejectsUnsupportedFile(t *testing.T) {
	useTestConfig(t)
	file := filepath.Join(t.TempDir(), "clients.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	oldFile := importFile
	importFile = file
	t.Cleanup(func() { importFile = oldFile })

	_, err := execute(t, importCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid file type")
}

func TestMigratePhonesCmd_DryRun(t *testing.T) {
	useTestConfig(t)
	env, err := initEnv(context.Background())
	require.NoError(t, err)
	require.NoError(t, env.Store.CreateClient(context.Background(), &model.Client{
		Name: "Jane", PhoneNumber: "+254 700 111 222", Branch: "Main", BirthMonth: 5, BirthDay: 1,
	}))
	env.Close()

	migratePhonesDryRun = true
	t.Cleanup(func() { migratePhonesDryRun = false })

	out, err := execute(t, migratePhonesCmd)
	require.NoError(t, err)
	assert.Contains(t, out, `"+254 700 111 222" -> "0700111222" [would update]`)

	env, err = initEnv(context.Background())
	require.NoError(t, err)
	defer env.Close()
	stored, err := env.Store.ListClients(context.Background(), store.ClientFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "+254 700 111 222", stored[0].PhoneNumber)
}

func TestWriteFormatted(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFormatted(&buf, "yaml", map[string]int{"total": 3}))
	assert.Equal(t, "total: 3\n", buf.String())

	buf.Reset()
	require.NoError(t, writeFormatted(&buf, "json", []string{"a"}))
	assert.JSONEq(t, `["a"]`, buf.String())

	assert.Error(t, writeFormatted(&buf, "xml", nil))
}

func TestJobsList_UnknownStatus(t *testing.T) {
	useTestConfig(t)
	jobsStatus = "bogus"
	t.Cleanup(func() { jobsStatus = "" })
	_, err := execute(t, jobsListCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job status")
}
