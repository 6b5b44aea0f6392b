package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/autosubmit/internal/cache"
	"github.com/steveyegge/autosubmit/internal/config"
	"github.com/steveyegge/autosubmit/internal/lockfile"
	"github.com/steveyegge/autosubmit/internal/policy"
	"github.com/steveyegge/autosubmit/internal/types"
)

// useCacheDir points the configuration at a fresh cache directory for the
// duration of the test.
func useCacheDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	config.Set(config.KeyCacheDir, dir)
	t.Cleanup(config.ResetForTesting)
	return dir
}

func useJSON(t *testing.T) {
	t.Helper()
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	t.Cleanup(func() { cmd.SetOut(nil) })
	err := cmd.RunE(cmd, args)
	return out.String(), err
}

// seedCache records one entry per age, each age measured back from now.
func seedCache(t *testing.T, dir string, ages ...time.Duration) {
	t.Helper()
	ctx := context.Background()
	store, err := cache.Open(ctx, dir)
	require.NoError(t, err)
	defer store.Close()
	now := time.Now().UTC()
	for i, age := range ages {
		store.Now = func() time.Time { return now.Add(-age) }
		parent := types.NewIdentity("openSUSE:Factory", string(rune('a'+i)))
		devel := types.NewIdentity("devel:tools", parent.Package)
		require.NoError(t, store.Record(ctx, parent, devel, "H"))
	}
	require.NoError(t, store.Flush(ctx))
}

func TestCacheInfo(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
		want  func(dir string) string
	}{
		{
			name:  "no cache",
			setup: func(t *testing.T, dir string) {},
			want:  func(dir string) string { return "No cache in " + dir + "\n" },
		},
		{
			name:  "with entries",
			setup: func(t *testing.T, dir string) { seedCache(t, dir, time.Hour, 2*time.Hour) },
			want: func(dir string) string {
				return filepath.Join(dir, cache.FileName) + ": 2 entries\n"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := useCacheDir(t)
			tt.setup(t, dir)

			out, err := runCommand(t, cacheInfoCmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want(dir), out)
		})
	}
}

func TestCacheInfoDoesNotCreateCache(t *testing.T) {
	dir := useCacheDir(t)
	useJSON(t)

	out, err := runCommand(t, cacheInfoCmd)
	require.NoError(t, err)

	var got struct {
		Path    string `json:"path"`
		Entries int    `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, filepath.Join(dir, cache.FileName), got.Path)
	assert.Zero(t, got.Entries)

	_, err = os.Stat(filepath.Join(dir, cache.FileName))
	assert.True(t, os.IsNotExist(err), "cache info must not create the database")
}

func TestCachePrune(t *testing.T) {
	tests := []struct {
		name      string
		maxAge    string
		setup     func(t *testing.T, dir string)
		wantOut   string
		wantErr   error
		wantMsg   string
		wantCount int
	}{
		{
			name:      "drops old entries",
			maxAge:    cache.DefaultMaxAge.String(),
			setup:     func(t *testing.T, dir string) { seedCache(t, dir, time.Hour, 2*cache.DefaultMaxAge) },
			wantOut:   "Pruned 1 entries\n",
			wantCount: 1,
		},
		{
			name:      "custom max age",
			maxAge:    "30m",
			setup:     func(t *testing.T, dir string) { seedCache(t, dir, time.Hour, 2*time.Hour) },
			wantOut:   "Pruned 2 entries\n",
			wantCount: 0,
		},
		{
			name:    "zero max age",
			maxAge:  "0s",
			setup:   func(t *testing.T, dir string) {},
			wantMsg: "--max-age must be positive",
		},
		{
			name:    "negative max age",
			maxAge:  "-1h",
			setup:   func(t *testing.T, dir string) {},
			wantMsg: "--max-age must be positive",
		},
		{
			name:   "run in progress",
			maxAge: cache.DefaultMaxAge.String(),
			setup: func(t *testing.T, dir string) {
				lock, err := lockfile.Acquire(dir, "openSUSE:Factory")
				require.NoError(t, err)
				t.Cleanup(func() { _ = lock.Release() })
			},
			wantErr: lockfile.ErrLocked,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := useCacheDir(t)
			tt.setup(t, dir)
			require.NoError(t, cachePruneCmd.Flags().Set("max-age", tt.maxAge))
			t.Cleanup(func() { _ = cachePruneCmd.Flags().Set("max-age", cache.DefaultMaxAge.String()) })

			out, err := runCommand(t, cachePruneCmd)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
				return
			case tt.wantMsg != "":
				require.EqualError(t, err, tt.wantMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out)

			st, err := lockfile.Probe(dir)
			require.NoError(t, err)
			assert.False(t, st.Held, "prune releases the run lock")

			store, err := cache.Open(context.Background(), dir)
			require.NoError(t, err)
			defer store.Close()
			n, err := store.Count(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, n)
		})
	}
}

func TestLockInfo(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, dir string)
		contains []string
		exact    string
	}{
		{
			name:  "never run",
			setup: func(t *testing.T, dir string) {},
			exact: "No run in progress\n",
		},
		{
			name: "after a run",
			setup: func(t *testing.T, dir string) {
				lock, err := lockfile.Acquire(dir, "openSUSE:Factory")
				require.NoError(t, err)
				require.NoError(t, lock.Release())
			},
			exact: "No run in progress\n",
		},
		{
			name: "stale marker",
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(lockfile.Path(dir), []byte("99999"), 0o600))
			},
			exact: "No run in progress\nStale marker left by pid 99999\n",
		},
		{
			name: "held",
			setup: func(t *testing.T, dir string) {
				lock, err := lockfile.Acquire(dir, "openSUSE:Factory")
				require.NoError(t, err)
				t.Cleanup(func() { _ = lock.Release() })
			},
			contains: []string{
				"Run in progress\n",
				"(alive)",
				"project: openSUSE:Factory\n",
				"started: ",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := useCacheDir(t)
			tt.setup(t, dir)

			out, err := runCommand(t, lockInfoCmd)
			require.NoError(t, err)
			if tt.exact != "" {
				assert.Equal(t, tt.exact, out)
			}
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestLockInfoJSON(t *testing.T) {
	dir := useCacheDir(t)
	useJSON(t)
	lock, err := lockfile.Acquire(dir, "openSUSE:Factory")
	require.NoError(t, err)
	defer lock.Release()

	out, err := runCommand(t, lockInfoCmd)
	require.NoError(t, err)

	var st lockfile.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Held)
	require.NotNil(t, st.Info)
	assert.Equal(t, os.Getpid(), st.Info.PID)
	assert.Equal(t, "openSUSE:Factory", st.Info.Project)
}

func TestConfigShow(t *testing.T) {
	dir := useCacheDir(t)
	config.Set(config.KeyProject, "openSUSE:Leap:16.0")

	t.Run("yaml", func(t *testing.T) {
		out, err := runCommand(t, configShowCmd)
		require.NoError(t, err)
		assert.Contains(t, out, "project: openSUSE:Leap:16.0\n")
		assert.Contains(t, out, "cache-dir: "+dir+"\n")
		assert.Contains(t, out, "apiurl: "+config.DefaultAPIURL+"\n")
	})

	t.Run("json", func(t *testing.T) {
		useJSON(t)
		out, err := runCommand(t, configShowCmd)
		require.NoError(t, err)

		var got config.Config
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "openSUSE:Leap:16.0", got.Project)
		assert.Equal(t, dir, got.CacheDir)
		assert.Equal(t, config.DefaultHTTPTimeout, got.HTTPTimeout)
	})
}

func TestPolicyShow(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		contains []string
		missing  []string
	}{
		{
			name:     "builtin defaults",
			contains: []string{"disabled_projects", `"GNOME:Factory"`, `"GNOME:Apps"`},
		},
		{
			name:     "merged with policy file",
			file:     "disabled_packages = [\"openSUSE:Factory/kernel-source\"]\n",
			contains: []string{`"GNOME:Factory"`, `"openSUSE:Factory/kernel-source"`},
		},
		{
			name:     "policy file replaces defaults",
			file:     "replace_defaults = true\ndisabled_projects = [\"KDE:Unstable\"]\n",
			contains: []string{`"KDE:Unstable"`},
			missing:  []string{"GNOME:Factory"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := useCacheDir(t)
			if tt.file != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, policy.FileName), []byte(tt.file), 0o600))
			}

			out, err := runCommand(t, policyShowCmd)
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
			for _, unwanted := range tt.missing {
				assert.NotContains(t, out, unwanted)
			}
		})
	}
}
