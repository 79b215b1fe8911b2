package scanner

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// StoreHandle points at one discovered state.vscdb database.
type StoreHandle struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// candidatePaths lists the per-platform locations where the editor keeps its
// global storage database.
func candidatePaths() []string {
	const suffix = "User/globalStorage/state.vscdb"

	switch runtime.GOOS {
	case "windows":
		var paths []string
		if roaming := os.Getenv("APPDATA"); roaming != "" {
			paths = append(paths, filepath.Join(roaming, "Cursor", filepath.FromSlash(suffix)))
		}
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			paths = append(paths, filepath.Join(local, "Cursor", filepath.FromSlash(suffix)))
		}
		paths = append(paths, expandPath("~/.cursor/"+suffix))
		return paths
	case "darwin":
		return []string{
			expandPath("~/Library/Application Support/Cursor/" + suffix),
			expandPath("~/.cursor/" + suffix),
		}
	default:
		return []string{
			expandPath("~/.config/Cursor/" + suffix),
			expandPath("~/.cursor/" + suffix),
		}
	}
}

// LocateStores returns all existing credential stores, most recently
// modified first. The most recently touched store is assumed to hold the
// active session. An empty slice means none were found; that is not an
// error.
func (s *Scanner) LocateStores() []StoreHandle {
	paths := append(candidatePaths(), s.ExtraPaths...)

	seen := make(map[string]bool, len(paths))
	var handles []StoreHandle
	for _, p := range paths {
		p = expandPath(p)
		if seen[p] {
			continue
		}
		seen[p] = true

		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		handles = append(handles, StoreHandle{Path: p, ModTime: info.ModTime()})
	}

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].ModTime.After(handles[j].ModTime)
	})
	return handles
}
