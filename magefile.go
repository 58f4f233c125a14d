//go:build mage

// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package main

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	daemon "github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ── Namespaces ────────────────────────────────────────────────────────────────

type Build mg.Namespace // build:all  build:static  build:fips
type Test mg.Namespace  // test:unit  test:race  test:cover
type Dev mg.Namespace   // dev:check  dev:tidy    dev:clean  dev:container

// unitPackages are the packages exercised by test:unit.
// internal/testutil is excluded (test helpers verified transitively).
var unitPackages = []string{
	"./cmd/...",
	"./internal/api/...",
	"./internal/ca/...",
	"./internal/devices/...",
	"./internal/errs/...",
	"./internal/identity/...",
	"./internal/storage/...",
}

// sqliteTags trims the sqlite3 build to what the server uses.
const sqliteTags = "sqlite_omit_load_extension,osusergo,netgo"

// ── Helpers ───────────────────────────────────────────────────────────────────

func ensureBinDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", err
	}
	return binDir, nil
}

func buildBoth(env map[string]string, extra ...string) error {
	binDir, err := ensureBinDir()
	if err != nil {
		return err
	}

	ext := ""
	if env["GOOS"] == "" && runtime.GOOS == "windows" {
		ext = ".exe"
	}

	for _, bin := range []string{"provisioner", "provisioner-ctl"} {
		args := append([]string{"build"}, extra...)
		args = append(args, "-o", filepath.Join(binDir, bin+ext), "./cmd/"+bin)
		if err := sh.RunWithV(env, "go", args...); err != nil {
			return err
		}
	}
	return nil
}

// ── build:* ───────────────────────────────────────────────────────────────────

// All compiles both binaries (provisioner and provisioner-ctl) to bin/.
// The sqlite driver is cgo, so CGO_ENABLED=1 is required.
func (Build) All() error {
	fmt.Println("Building...")
	return buildBoth(map[string]string{"CGO_ENABLED": "1"}, "-tags", sqliteTags)
}

// Static compiles fully static Linux binaries suitable for a scratch image.
func (Build) Static() error {
	fmt.Println("Building static binaries...")
	env := map[string]string{
		"CGO_ENABLED": "1",
		"GOOS":        "linux",
	}
	return buildBoth(env,
		"-tags", sqliteTags,
		"-ldflags", "-linkmode external -extldflags -static -s -w")
}

// FIPS compiles with GOEXPERIMENT=boringcrypto for FIPS compliance
// (Linux/amd64 only).
func (Build) FIPS() error {
	fmt.Println("Building FIPS compliant binary...")

	targetOS := os.Getenv("GOOS")
	if targetOS == "windows" {
		fmt.Println("WARNING: FIPS mode (boringcrypto) is NOT supported on Windows.")
		fmt.Println("  The build will continue, but it will create a LINUX binary (GOOS=linux).")
	} else if targetOS == "" && runtime.GOOS == "windows" {
		fmt.Println("WARNING: You are building on Windows, but FIPS mode requires Linux.")
		fmt.Println("  Cross-compiling LINUX binaries into bin/. These will not run on Windows.")
	}

	env := map[string]string{
		"GOEXPERIMENT": "boringcrypto",
		"CGO_ENABLED":  "1",
		"GOOS":         "linux",
		"GOARCH":       "amd64",
	}
	return buildBoth(env, "-tags", sqliteTags)
}

// ── test:* ────────────────────────────────────────────────────────────────────

// Unit runs the unit test suite.
func (Test) Unit() error {
	fmt.Println("Running unit tests...")
	return sh.RunWithV(map[string]string{"CGO_ENABLED": "1"}, "go",
		append([]string{"test", "-v"}, unitPackages...)...)
}

// Race runs the unit tests under the race detector. The allocation and
// issuance suites hammer the store concurrently, so this is the test that
// matters for the quota invariants.
func (Test) Race() error {
	fmt.Println("Running unit tests with -race...")
	return sh.RunWithV(map[string]string{"CGO_ENABLED": "1"}, "go",
		append([]string{"test", "-race", "-count=1"}, unitPackages...)...)
}

// Cover runs the unit tests and writes coverage.out.
func (Test) Cover() error {
	fmt.Println("Running unit tests with coverage...")
	args := append([]string{"test", "-coverprofile=coverage.out"}, unitPackages...)
	if err := sh.RunWithV(map[string]string{"CGO_ENABLED": "1"}, "go", args...); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func=coverage.out")
}

// ── dev:* ─────────────────────────────────────────────────────────────────────

// Check verifies formatting, runs go vet, and checks go mod tidy.
// Unlike `go fmt`, gofmt -l prints unformatted files and exits 0 without
// rewriting them; we treat any output as a failure so CI catches drift.
func (Dev) Check() error {
	mg.Deps(Dev{}.Tidy)
	fmt.Println("Running verify...")
	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return fmt.Errorf("these files need formatting (run 'go fmt ./...'):\n%s", out)
	}
	return sh.Run("go", "vet", "./...")
}

// Tidy runs go mod tidy.
func (Dev) Tidy() error {
	fmt.Println("Tidying modules...")
	return sh.Run("go", "mod", "tidy")
}

// Clean removes the bin/ directory and coverage output.
func (Dev) Clean() error {
	fmt.Println("Cleaning...")
	if err := sh.Rm("coverage.out"); err != nil {
		return err
	}
	return sh.Rm("bin")
}

// Container creates a minimal scratch OCI image from the static provisioner
// binary and loads it into the local Docker / Podman daemon.
//
// Configuration (via environment variables):
//
//	IMAGE_NAME   Target tag       (default: provisioner:latest)
//	BINARY_PATH  Source binary    (default: ./bin/provisioner)
func (Dev) Container() error {
	mg.Deps(Build{}.Static)

	cfg := ContainerConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("config parse failed: %w", err)
	}
	fmt.Printf("Building '%s' (binary: %s)...\n", cfg.Image, cfg.Binary)

	binLayer, err := tarLayer(map[string]string{"/app": cfg.Binary}, nil)
	if err != nil {
		return fmt.Errorf("failed to package binary: %w", err)
	}

	dirLayer, err := tarLayer(nil, []string{"/data"})
	if err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	img, err := mutate.AppendLayers(empty.Image, binLayer, dirLayer)
	if err != nil {
		return fmt.Errorf("image mutation failed: %w", err)
	}

	img, err = mutate.Config(img, v1.Config{
		Entrypoint:   []string{"/app"},
		Cmd:          []string{"--database", "/data/provisioner.db", "--bootstrap-ca", "--no-tls-required", "-v", "1"},
		ExposedPorts: map[string]struct{}{"5000/tcp": {}},
	})
	if err != nil {
		return fmt.Errorf("failed to set image config: %w", err)
	}

	tag, err := name.NewTag(cfg.Image)
	if err != nil {
		return err
	}

	if _, err := daemon.Write(tag, img); err != nil {
		return fmt.Errorf("failed to load to daemon: %w", err)
	}

	fmt.Println("Success! Image loaded.")
	return nil
}

// ── types and helpers ─────────────────────────────────────────────────────────

type ContainerConfig struct {
	Image  string `env:"IMAGE_NAME" envDefault:"provisioner:latest"`
	Binary string `env:"BINARY_PATH" envDefault:"./bin/provisioner"`
}

func tarLayer(files map[string]string, dirs []string) (v1.Layer, error) {
	b := new(bytes.Buffer)
	tw := tar.NewWriter(b)

	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{Name: dir, Mode: 0755, Typeflag: tar.TypeDir}); err != nil {
			return nil, err
		}
	}

	for dest, src := range files {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		if err := tw.WriteHeader(&tar.Header{Name: dest, Mode: 0755, Size: int64(len(data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	tw.Close()

	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b.Bytes())), nil
	})
}
