package updater

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// buildCoreZip packs a fake engine binary into a release-style archive.
func buildCoreZip(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	hdr.SetMode(0644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("#!/bin/sh\necho fake xray\n"))

	// Release archives also carry geo data next to the binary
	g, _ := zw.Create("geoip.dat")
	g.Write([]byte("geoip"))

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func skipIfUnsupported(t *testing.T) {
	t.Helper()
	if _, err := AssetName(runtime.GOOS, runtime.GOARCH); err != nil {
		t.Skipf("no release asset for %s/%s", runtime.GOOS, runtime.GOARCH)
	}
}

func TestInstallCore(t *testing.T) {
	skipIfUnsupported(t)

	archive := buildCoreZip(t, "xray")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	u := New(t.TempDir(), t.TempDir())
	u.ReleaseBase = srv.URL

	path, err := u.InstallCore(context.Background(), "v25.1.30")
	if err != nil {
		t.Fatalf("InstallCore: %v", err)
	}
	if path != u.ExecutablePath() {
		t.Errorf("installed at %q, want %q", path, u.ExecutablePath())
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat installed binary: %v", err)
	}
	if st.Mode()&0111 == 0 {
		t.Error("installed binary is not executable")
	}

	// Staging dir must be cleaned up
	entries, _ := os.ReadDir(u.InstallDir)
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("leftover staging dir %s", e.Name())
		}
	}
}

func TestInstallCoreDownloadFailure(t *testing.T) {
	skipIfUnsupported(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	u := New(t.TempDir(), t.TempDir())
	u.ReleaseBase = srv.URL

	_, err := u.InstallCore(context.Background(), "v25.1.30")
	var de *DownloadError
	if !errors.As(err, &de) {
		t.Fatalf("expected DownloadError, got %v", err)
	}
}

func TestInstallCoreMissingBinary(t *testing.T) {
	skipIfUnsupported(t)

	archive := buildCoreZip(t, "not-the-binary")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	u := New(t.TempDir(), t.TempDir())
	u.ReleaseBase = srv.URL

	_, err := u.InstallCore(context.Background(), "v25.1.30")
	var ie *InstallError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InstallError, got %v", err)
	}
}

func TestDownloadAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload:" + r.URL.Path))
	}))
	defer srv.Close()

	u := New(t.TempDir(), t.TempDir())

	saved, err := u.DownloadAssets(context.Background(), []AssetFile{
		{Name: "geoip.dat", URL: srv.URL + "/geoip.dat"},
		{Name: "geosite.dat", URL: srv.URL + "/geosite.dat"},
	})
	if err != nil {
		t.Fatalf("DownloadAssets: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved assets, got %d", len(saved))
	}

	data, err := os.ReadFile(filepath.Join(u.AssetsDir, "geosite.dat"))
	if err != nil {
		t.Fatalf("reading saved asset: %v", err)
	}
	if string(data) != "payload:/geosite.dat" {
		t.Errorf("unexpected asset content %q", data)
	}
}

func TestDownloadAssetsEmptyBatch(t *testing.T) {
	u := New(t.TempDir(), t.TempDir())

	_, err := u.DownloadAssets(context.Background(), nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDownloadAssetsMalformedItem(t *testing.T) {
	u := New(t.TempDir(), t.TempDir())

	for _, files := range [][]AssetFile{
		{{Name: "", URL: "http://example.com/x"}},
		{{Name: "geoip.dat", URL: "  "}},
		{{Name: "../escape.dat", URL: "http://example.com/x"}},
	} {
		_, err := u.DownloadAssets(context.Background(), files)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("files %v: expected ValidationError, got %v", files, err)
		}
	}
}

func TestDownloadAssetsAbortsBatchOnFirstFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	u := New(t.TempDir(), t.TempDir())

	_, err := u.DownloadAssets(context.Background(), []AssetFile{
		{Name: "geoip.dat", URL: srv.URL + "/geoip.dat"},
		{Name: "geosite.dat", URL: srv.URL + "/geosite.dat"},
	})
	var de *DownloadError
	if !errors.As(err, &de) {
		t.Fatalf("expected DownloadError, got %v", err)
	}
	if de.Name != "geoip.dat" {
		t.Errorf("failure should name the first item, got %q", de.Name)
	}

	// No partially-written files may remain
	if _, err := os.Stat(filepath.Join(u.AssetsDir, "geoip.dat")); !os.IsNotExist(err) {
		t.Error("partial download left behind")
	}
	if _, err := os.Stat(filepath.Join(u.AssetsDir, "geosite.dat")); !os.IsNotExist(err) {
		t.Error("later batch item should not have been attempted")
	}
}
