package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting returns an error if dir already holds a burrow project.
func CheckExisting(dir string) error {
	var existingFiles []string

	for _, f := range projectFiles {
		if _, err := os.Stat(filepath.Join(dir, f.Path)); err == nil {
			existingFiles = append(existingFiles, f.Path)
		}
	}

	if len(existingFiles) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("project already initialized\n\nFound existing")
	if len(existingFiles) == 1 {
		fmt.Fprintf(&b, ": %s\n", existingFiles[0])
	} else {
		b.WriteString(" files:\n")
		for _, file := range existingFiles {
			fmt.Fprintf(&b, "  - %s\n", file)
		}
	}
	b.WriteString("\nUse 'burrow init --force' to rewrite them (board and mailbox state is kept)")
	return fmt.Errorf("%s", b.String())
}
