package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img-harvester/pkg/config"
	"img-harvester/pkg/models"
	"img-harvester/pkg/output"
	"img-harvester/pkg/storage"
	"img-harvester/pkg/utils"
)

// gif89a is a minimal 1x1 GIF
var gif89a = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\x00\x00\x00\xff\xff\xff!\xf9\x04\x01\x00\x00\x00\x00,\x00\x00\x00\x00\x01\x00\x01\x00\x00\x02\x02D\x01\x00;")

func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><img src="/dot.gif"><a href="/page">page</a></body></html>`)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<img src="/dot.gif">`)
	})
	mux.HandleFunc("/dot.gif", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		w.Write(gif89a)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func executeHarvest(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgPath := writeConfig(t, "num_link_workers: 1\n")
	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"harvest", "--config", cfgPath, "--loglevel", "error"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

func TestHarvestCmd_PrintsOutputDirectory(t *testing.T) {
	srv := testSite(t)
	out := t.TempDir()

	stdout, err := executeHarvest(t, srv.URL+"/", "-o", out, "--dated=false")
	require.NoError(t, err)

	assert.Equal(t, out, lastLine(stdout))
	_, err = os.Stat(filepath.Join(out, "root_1_dot.gif"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "1_1_dot.gif"))
	assert.NoError(t, err)
}

func TestHarvestCmd_DatedByDefault(t *testing.T) {
	srv := testSite(t)
	out := t.TempDir()

	stdout, err := executeHarvest(t, srv.URL+"/", "-o", out, "--max-links", "1", "--manifest")
	require.NoError(t, err)

	dir := lastLine(stdout)
	assert.Equal(t, out, filepath.Dir(dir))
	assert.True(t, strings.HasPrefix(filepath.Base(dir), output.DatedDirPrefix))

	m, err := output.ReadManifest(filepath.Join(dir, config.DefaultManifestFilename))
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalSaved)
	assert.Equal(t, 1, m.Request.MaxLinks)
	assert.True(t, m.Request.DatedSubfolder)
}

func TestHarvestCmd_RootUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	rootURL := srv.URL + "/"
	srv.Close()

	stdout, err := executeHarvest(t, rootURL, "-o", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrRootUnreachable))
	assert.Contains(t, stdout, "Error fetching root URL")
}

func TestHarvestCmd_RejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing url", []string{"-o", "x"}},
		{"two urls", []string{"http://a.example/", "http://b.example/"}},
		{"negative max links", []string{"http://a.example/", "--max-links", "-1"}},
		{"non http url", []string{"file:///etc/passwd", "-o", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeHarvest(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestHarvestCmd_LedgerLog(t *testing.T) {
	srv := testSite(t)
	stateDir := t.TempDir()

	_, err := executeHarvest(t, srv.URL+"/", "-o", t.TempDir(), "--state-dir", stateDir, "--write-ledger-log")
	require.NoError(t, err)

	logs, err := filepath.Glob(filepath.Join(stateDir, "*-ledger.txt"))
	require.NoError(t, err)
	require.Len(t, logs, 1)

	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "image\tsuccess\t"+srv.URL+"/dot.gif")
	assert.Contains(t, string(data), "link\trouted\t"+srv.URL+"/page")
}

func TestOpenLedger_CloseStopsGCBeforeClosing(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)

	appCfg := &config.AppConfig{StateDir: t.TempDir(), LedgerGCInterval: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, closeLedger, err := openLedger(ctx, appCfg, "example.com", entry)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordLink("http://example.com/p", &models.LinkLedgerEntry{Status: models.LinkStatusRouted}))

	// Let the GC loop tick a few times while the run context is still live
	time.Sleep(20 * time.Millisecond)
	closeLedger()

	err = ledger.RecordLink("http://example.com/q", &models.LinkLedgerEntry{Status: models.LinkStatusRouted})
	assert.True(t, errors.Is(err, utils.ErrDatabase), "ledger must be closed")

	reopened, err := storage.NewBadgerLedger(appCfg.StateDir, "example.com", entry)
	require.NoError(t, err, "database lock must be released")
	defer reopened.Close()
	count, err := reopened.GetRecordCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestApplyFlags(t *testing.T) {
	opts := &harvestOptions{}
	cmd := newHarvestCmd(&globalOptions{}, opts)
	require.NoError(t, cmd.ParseFlags([]string{"--same-origin=false", "--max-links", "3", "--image-workers", "5", "--write-ledger-log"}))

	appCfg := &config.AppConfig{NumLinkWorkers: 2}
	appCfg.Defaults.OutputDir = "from-config"
	applyFlags(cmd, appCfg, opts)

	assert.False(t, config.GetEffectiveSameOriginOnly(*appCfg))
	assert.True(t, config.GetEffectiveDatedSubfolder(*appCfg), "unset flag keeps the config default")
	assert.Equal(t, 3, appCfg.Defaults.MaxLinks)
	assert.Equal(t, 2, appCfg.NumLinkWorkers)
	assert.Equal(t, 5, appCfg.NumImageWorkers)
	assert.Equal(t, "from-config", appCfg.Defaults.OutputDir)
	assert.True(t, appCfg.EnableLedger)

	req := buildRequest("http://example.com/", appCfg)
	assert.Equal(t, "from-config", req.OutputRoot)
	assert.Equal(t, 3, req.MaxLinks)
	assert.False(t, req.SameOriginOnly)
}
