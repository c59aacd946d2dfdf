package updater

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// defaultReleaseBase is where official Xray-core release archives live.
const defaultReleaseBase = "https://github.com/XTLS/Xray-core/releases/download"

// executableCandidates are the names the engine binary may carry inside
// a release archive.
var executableCandidates = []string{"xray", "xray.exe"}

// ValidationError indicates a malformed update request, before any
// network or filesystem work has happened.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid update request: " + e.Reason }

// DownloadError names the item that failed to download. The batch it
// belonged to is aborted at that point.
type DownloadError struct {
	Name string
	URL  string
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %s from %s: %v", e.Name, e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// InstallError indicates a downloaded core archive could not be turned
// into an installed executable.
type InstallError struct {
	Step string
	Err  error
}

func (e *InstallError) Error() string { return fmt.Sprintf("installing core (%s): %v", e.Step, e.Err) }

func (e *InstallError) Unwrap() error { return e.Err }

// AssetFile is one (name, url) pair in a geo asset batch.
type AssetFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SavedAsset records where a downloaded asset landed.
type SavedAsset struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Updater acquires and installs engine binaries and geo assets.
type Updater struct {
	// InstallDir receives the engine executable ("<InstallDir>/xray").
	InstallDir string
	// AssetsDir receives geo asset files.
	AssetsDir string
	// ReleaseBase overrides the release download base URL. Tests point
	// it at a local server.
	ReleaseBase string

	client *http.Client
	logger *slog.Logger
}

// New creates an updater installing into the given directories.
func New(installDir, assetsDir string) *Updater {
	return &Updater{
		InstallDir: installDir,
		AssetsDir:  assetsDir,
		client:     &http.Client{Timeout: 2 * time.Minute},
		logger:     slog.With("component", "updater"),
	}
}

// ExecutablePath is where InstallCore places the engine binary.
func (u *Updater) ExecutablePath() string {
	return filepath.Join(u.InstallDir, "xray")
}

// InstallCore downloads the release archive for the running platform
// and atomically installs the engine executable. Returns the installed
// path.
func (u *Updater) InstallCore(ctx context.Context, version string) (string, error) {
	asset, err := AssetName(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}

	base := u.ReleaseBase
	if base == "" {
		base = defaultReleaseBase
	}
	url := fmt.Sprintf("%s/%s/%s", base, version, asset)

	if err := os.MkdirAll(u.InstallDir, 0755); err != nil {
		return "", &InstallError{Step: "mkdir", Err: err}
	}

	staging, err := os.MkdirTemp(u.InstallDir, "core-update-")
	if err != nil {
		return "", &InstallError{Step: "staging dir", Err: err}
	}
	defer os.RemoveAll(staging)

	archive := filepath.Join(staging, asset)
	if err := u.download(ctx, url, archive); err != nil {
		return "", &DownloadError{Name: asset, URL: url, Err: err}
	}

	if err := unzip(archive, staging); err != nil {
		return "", &InstallError{Step: "extract", Err: err}
	}

	extracted, err := findExecutable(staging)
	if err != nil {
		return "", &InstallError{Step: "locate executable", Err: err}
	}

	final := u.ExecutablePath()
	if err := installFile(extracted, final); err != nil {
		return "", &InstallError{Step: "install", Err: err}
	}

	u.logger.Info("core installed", "version", version, "path", final)
	return final, nil
}

// DownloadAssets fetches each (name, url) pair into the assets dir.
// The first failure aborts the batch: the partial file is removed and
// nothing after it is attempted.
func (u *Updater) DownloadAssets(ctx context.Context, files []AssetFile) ([]SavedAsset, error) {
	if len(files) == 0 {
		return nil, &ValidationError{Reason: "files must be a non-empty list of {name, url}"}
	}
	for i, f := range files {
		if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.URL) == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("item %d must include non-empty name and url", i)}
		}
		if strings.ContainsAny(f.Name, `/\`) || f.Name != filepath.Base(f.Name) {
			return nil, &ValidationError{Reason: fmt.Sprintf("item %d has an unsafe name %q", i, f.Name)}
		}
	}

	if err := os.MkdirAll(u.AssetsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating assets dir: %w", err)
	}

	saved := make([]SavedAsset, 0, len(files))
	for _, f := range files {
		name := strings.TrimSpace(f.Name)
		url := strings.TrimSpace(f.URL)
		dst := filepath.Join(u.AssetsDir, name)

		if err := u.download(ctx, url, dst); err != nil {
			os.Remove(dst)
			return nil, &DownloadError{Name: name, URL: url, Err: err}
		}

		u.logger.Info("asset downloaded", "name", name)
		saved = append(saved, SavedAsset{Name: name, Path: dst})
	}

	return saved, nil
}

// download fetches url into dst. dst may be left partially written on
// error; callers clean up.
func (u *Updater) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// unzip extracts archive into dir, preserving file modes. Entries that
// would escape dir are rejected.
func unzip(archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		dst := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(dst, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes extraction dir", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}

		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			src.Close()
			return err
		}

		_, err = io.Copy(out, src)
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// findExecutable locates the engine binary among the candidate names
// and ensures it carries the executable bit.
func findExecutable(dir string) (string, error) {
	for _, name := range executableCandidates {
		path := filepath.Join(dir, name)
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		if err := os.Chmod(path, st.Mode()|0111); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", errors.New("xray binary not found in archive")
}

// installFile moves src to dst atomically where possible, falling back
// to copy+chmod when rename fails (cross-filesystem staging dirs).
func installFile(src, dst string) error {
	os.Remove(dst)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, 0755)
}
