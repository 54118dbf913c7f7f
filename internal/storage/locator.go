// Package storage finds where configuration is read from and where output
// goes: a writable removable volume when one is mounted, local fixed
// storage otherwise.
package storage

import (
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/pkg/file"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// OutputDirName is created on removable volumes
const OutputDirName = "rtt_output"

var DefaultMediaRoots = []string{"/media/$USER", "/run/media/$USER"}

type Options struct {
	// Mount parents, every writable directory below one is a volume
	MediaRoots []string

	UseRemovable            bool
	CheckRemovableForConfig bool

	LocalConfigDir string
	LocalOutputDir string
}

type Volume struct {
	Path string
	// Free bytes, 0 if unknown
	Free uint64
}

func (v Volume) OutputDir() string {
	return filepath.Join(v.Path, OutputDirName)
}

type Locator struct {
	opts  Options
	roots []string
}

func NewLocator(opts Options) *Locator {
	if len(opts.MediaRoots) == 0 {
		opts.MediaRoots = DefaultMediaRoots
	}

	roots := make([]string, 0, len(opts.MediaRoots))
	for _, r := range opts.MediaRoots {
		if r = expandRoot(r); r != "" {
			roots = append(roots, filepath.Clean(r))
		}
	}

	return &Locator{opts: opts, roots: roots}
}

func expandRoot(root string) string {
	return os.Expand(root, func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		if key == "USER" {
			if u, err := user.Current(); err == nil {
				return u.Username
			}
		}
		return ""
	})
}

// Roots returns the expanded media roots
func (l *Locator) Roots() []string {
	return l.roots
}

// Volumes lists the writable mounted directories below the media roots
func (l *Locator) Volumes() []Volume {
	var volumes []Volume
	for _, root := range l.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn("failed to scan media root", zap.String("root", root), zap.Error(err))
			}
			continue
		}

		for _, e := range entries {
			path := filepath.Join(root, e.Name())
			if !file.IsWritableDir(path) {
				continue
			}
			volumes = append(volumes, Volume{Path: path, Free: FreeBytes(path)})
		}
	}

	sort.SliceStable(volumes, func(i, j int) bool {
		return volumes[i].Path < volumes[j].Path
	})
	return volumes
}

// Removable returns the first writable removable volume
func (l *Locator) Removable() (Volume, bool) {
	volumes := l.Volumes()
	if len(volumes) == 0 {
		return Volume{}, false
	}
	return volumes[0], true
}

// IsRemovable reports whether path lives on a removable volume
func (l *Locator) IsRemovable(path string) bool {
	path = filepath.Clean(path)
	for _, root := range l.roots {
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// VolumeOf returns the volume directory holding path
func (l *Locator) VolumeOf(path string) (string, bool) {
	path = filepath.Clean(path)
	for _, root := range l.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return filepath.Join(root, strings.Split(rel, string(filepath.Separator))[0]), true
	}
	return "", false
}

// LocalOutputRoot is the fixed storage fallback
func (l *Locator) LocalOutputRoot() string {
	return l.opts.LocalOutputDir
}

// OutputRoot picks the removable volume if enabled and present, local storage otherwise
func (l *Locator) OutputRoot() string {
	if l.opts.UseRemovable {
		if v, ok := l.Removable(); ok {
			log.Info("using removable storage for output", zap.String("volume", v.Path), zap.String("free", humanize.IBytes(v.Free)))
			return v.OutputDir()
		}
		log.Info("no removable storage found, using local output", zap.String("path", l.opts.LocalOutputDir))
	}

	return l.opts.LocalOutputDir
}

// ConfigCandidates lists detector config files in ranked order, removable volumes first
func (l *Locator) ConfigCandidates() []string {
	var dirs []string
	if l.opts.CheckRemovableForConfig {
		for _, v := range l.Volumes() {
			dirs = append(dirs, v.Path)
		}
	}
	if l.opts.LocalConfigDir != "" {
		dirs = append(dirs, l.opts.LocalConfigDir)
	}

	candidates := make([]string, 0, len(dirs)*len(detector.ConfigFileNames))
	for _, dir := range dirs {
		for _, name := range detector.ConfigFileNames {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	return candidates
}

// FreeBytes reports the space available to unprivileged users, 0 on error
func FreeBytes(path string) uint64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0
	}
	return st.Bavail * uint64(st.Bsize)
}

// LogFree logs the free space below path
func LogFree(path string) {
	free := FreeBytes(path)
	log.Info("storage free space", zap.String("path", path), zap.String("free", humanize.IBytes(free)))
	if free > 0 && free < LowSpaceThreshold {
		log.Warn("storage is running low", zap.String("path", path), zap.String("free", humanize.IBytes(free)))
	}
}

// LowSpaceThreshold triggers a warning in LogFree
const LowSpaceThreshold = 256 * humanize.MiByte
