package tunnel

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/hookwire/hookwire/internal/debug"
)

const releaseBase = "https://github.com/cloudflare/cloudflared/releases/latest/download"

// resolveBinary locates a cloudflared binary: previously downloaded copy,
// the usual install location, PATH, then download as a last resort.
func (s *Supervisor) resolveBinary(ctx context.Context) (string, error) {
	if s.binaryPath != "" {
		return s.binaryPath, nil
	}

	managed := filepath.Join(s.supportDir, "bin", "cloudflared")
	for _, candidate := range []string{managed, "/usr/local/bin/cloudflared"} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			s.binaryPath = candidate
			return candidate, nil
		}
	}

	if p, err := exec.LookPath("cloudflared"); err == nil {
		s.binaryPath = p
		return p, nil
	}

	if err := downloadBinary(ctx, managed); err != nil {
		return "", err
	}
	s.binaryPath = managed
	return managed, nil
}

// downloadBinary fetches the release asset for the current platform into
// dst. Linux assets are bare binaries; darwin assets are .tgz archives.
func downloadBinary(ctx context.Context, dst string) error {
	arch := runtime.GOARCH
	if arch != "amd64" && arch != "arm64" {
		return fmt.Errorf("tunnel: no cloudflared release for %s/%s", runtime.GOOS, arch)
	}

	asset := fmt.Sprintf("cloudflared-%s-%s", runtime.GOOS, arch)
	archived := runtime.GOOS == "darwin"
	if archived {
		asset += ".tgz"
	}
	url := releaseBase + "/" + asset
	debug.Logf("tunnel: downloading %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("tunnel: building download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("tunnel: downloading cloudflared: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tunnel: downloading cloudflared: HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("tunnel: creating bin dir: %w", err)
	}

	var src io.Reader = resp.Body
	if archived {
		r, err := archiveBinaryReader(resp.Body)
		if err != nil {
			return err
		}
		src = r
	}

	tmp := dst + ".partial"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("tunnel: creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("tunnel: writing cloudflared: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("tunnel: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("tunnel: installing cloudflared: %w", err)
	}
	return nil
}

// archiveBinaryReader finds the cloudflared entry inside a .tgz asset.
func archiveBinaryReader(r io.Reader) (io.Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("tunnel: reading archive: %w", err)
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("tunnel: cloudflared not found in archive")
		}
		if err != nil {
			return nil, fmt.Errorf("tunnel: reading archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg && strings.HasSuffix(hdr.Name, "cloudflared") {
			return tr, nil
		}
	}
}
