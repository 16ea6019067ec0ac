package workload

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestFilename is the sha256sum-format manifest looked up next to a
// workload script when integrity verification is enabled.
const ManifestFilename = "workloads.sha256"

// Manifest maps script file names to their expected SHA256.
type Manifest struct {
	entries map[string]string // filename -> hex-encoded SHA256
}

// LoadManifest reads the manifest from dir. Returns nil, nil if the file
// does not exist.
func LoadManifest(dir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFilename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m := &Manifest{entries: make(map[string]string)}
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// "<64-hex>  <filename>", as written by sha256sum
		hash, filename, ok := strings.Cut(line, "  ")
		if !ok || len(hash) != 64 {
			return nil, fmt.Errorf("manifest line %d: invalid format", lineNum)
		}
		hash = strings.ToLower(hash)
		if _, err := hex.DecodeString(hash); err != nil {
			return nil, fmt.Errorf("manifest line %d: invalid hex: %w", lineNum, err)
		}
		m.entries[strings.TrimSpace(filename)] = hash
	}
	return m, scanner.Err()
}

// Verify checks that data, the contents of filename, matches the manifest.
func (m *Manifest) Verify(filename string, data []byte) error {
	expected, ok := m.entries[filename]
	if !ok {
		return fmt.Errorf("file %q not in manifest", filename)
	}
	if actual := HashBytes(data); actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filename, expected, actual)
	}
	return nil
}

// Count returns the number of entries in the manifest.
func (m *Manifest) Count() int {
	return len(m.entries)
}

// HashBytes returns the lowercase hex SHA256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GenerateManifest hashes every .lua file in dir.
func GenerateManifest(dir string) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	m := &Manifest{entries: make(map[string]string)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", entry.Name(), err)
		}
		m.entries[entry.Name()] = HashBytes(data)
	}
	return m, nil
}

// WriteTo writes the manifest in sha256sum-compatible format.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	for _, name := range names {
		n, err := fmt.Fprintf(w, "%s  %s\n", m.entries[name], name)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteFile writes the manifest to its standard location in dir.
func (m *Manifest) WriteFile(dir string) error {
	f, err := os.Create(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = m.WriteTo(f)
	return err
}
