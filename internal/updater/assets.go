package updater

import "fmt"

// ErrUnsupportedPlatform is wrapped by AssetName for any (OS, arch)
// pair outside the published release matrix.
var ErrUnsupportedPlatform = fmt.Errorf("unsupported platform")

// assetNames maps GOOS/GOARCH pairs to the official Xray-core release
// archive names. Nodes run on linux boxes of all sizes, so the linux
// rows cover the small-board architectures too; 32-bit arm gets the
// v7a archive, the common case on that hardware.
var assetNames = map[[2]string]string{
	{"linux", "amd64"}:   "Xray-linux-64.zip",
	{"linux", "arm64"}:   "Xray-linux-arm64-v8a.zip",
	{"linux", "arm"}:     "Xray-linux-arm32-v7a.zip",
	{"linux", "riscv64"}: "Xray-linux-riscv64.zip",
	{"darwin", "amd64"}:  "Xray-macos-64.zip",
	{"darwin", "arm64"}:  "Xray-macos-arm64-v8a.zip",
	{"windows", "amd64"}: "Xray-windows-64.zip",
}

// AssetName resolves the release archive name for a platform. It is a
// pure function over the documented matrix; every other combination is
// an ErrUnsupportedPlatform.
func AssetName(goos, goarch string) (string, error) {
	name, ok := assetNames[[2]string{goos, goarch}]
	if !ok {
		return "", fmt.Errorf("%w %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	return name, nil
}
