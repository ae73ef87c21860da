package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoLibraryDir is returned when no library root is configured and none could be prompted for.
var ErrNoLibraryDir = errors.New("no manga library directory configured")

// LoadLibraryLocation reads the persisted library root. It returns "" and no
// error when the file does not exist yet.
func LoadLibraryLocation(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read library location: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveLibraryLocation persists the library root for later runs.
func SaveLibraryLocation(path, libraryDir string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(libraryDir), 0644); err != nil {
		return fmt.Errorf("failed to save library location: %w", err)
	}
	return nil
}

// ResolveLibraryDir picks the library root in order: explicit configuration,
// the library location file, then a one-time prompt on in/out whose answer is
// persisted. The result is stored back into c.LibraryDir.
func (c *Config) ResolveLibraryDir(in io.Reader, out io.Writer) (string, error) {
	if c.LibraryDir != "" {
		return c.LibraryDir, nil
	}

	locationFile := c.LibraryLocationPath()
	saved, err := LoadLibraryLocation(locationFile)
	if err != nil {
		return "", err
	}
	if saved != "" {
		c.LibraryDir = saved
		return saved, nil
	}

	if in == nil {
		return "", ErrNoLibraryDir
	}

	fmt.Fprint(out, "Enter the full path to your Manga directory: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read library directory: %w", err)
	}
	answer := strings.TrimSpace(line)
	if answer == "" {
		return "", ErrNoLibraryDir
	}

	if err := SaveLibraryLocation(locationFile, answer); err != nil {
		return "", err
	}
	c.LibraryDir = answer
	return answer, nil
}
