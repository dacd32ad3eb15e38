package speech

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// createRawTemp allocates a uniquely named temp file for raw synthesis
// output. Names never collide across concurrent requests.
func createRawTemp(dir string) (*os.File, error) {
	f, err := os.CreateTemp(dir, "speak-*.raw")
	if err != nil {
		return nil, fmt.Errorf("create temp audio file: %w", err)
	}
	return f, nil
}

// finalizeArtifact renames the raw temp file to its playback name, whose
// extension encodes the sample rate.
func finalizeArtifact(rawPath string, rate int) (string, error) {
	final := strings.TrimSuffix(rawPath, ".raw") + rateSuffix(rate)
	if err := os.Rename(rawPath, final); err != nil {
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	return final, nil
}

// copyFile writes src to dst via a sibling temp file and rename, so a
// half-written destination is never observable.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
