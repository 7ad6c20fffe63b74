package persona

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed all:defaults
var defaultsFS embed.FS

// WriteDefault installs the bundled "assistant" agent under agentsDir.
// Existing files are left untouched.
func WriteDefault(agentsDir string) error {
	root := "defaults"
	return fs.WalkDir(defaultsFS, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(agentsDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		data, err := defaultsFS.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		return nil
	})
}
