package scaffold

import (
	"context"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/filelock"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string // Relative to the project directory
	Template    string
	Permissions os.FileMode
}

var projectFiles = []FileInfo{
	{Path: config.DefaultFileName, Template: "templates/burrow.yml.tmpl", Permissions: 0644},
	{Path: filepath.Join("agents", "example-tool.sh"), Template: "templates/example-tool.sh.tmpl", Permissions: 0755},
	{Path: filepath.Join(".burrow", ".gitignore"), Template: "templates/gitignore.tmpl", Permissions: 0644},
}

// Result lists what Initialize created.
type Result struct {
	Files []string
	Dirs  []string
}

// Initialize creates the burrow project structure in dir.
// If force is true, existing config and example files are overwritten. Board
// and mailbox state is never removed.
func Initialize(dir string, force bool) (*Result, error) {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for _, d := range []string{config.DefaultBoardDir, config.DefaultMailboxDir, "agents"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", d, err)
		}
		res.Dirs = append(res.Dirs, d)
	}

	for _, f := range projectFiles {
		content, err := templatesFS.ReadFile(f.Template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", f.Path, err)
		}
		if err := os.WriteFile(filepath.Join(dir, f.Path), content, f.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		res.Files = append(res.Files, f.Path)
	}

	if err := validateCreatedFiles(dir); err != nil {
		return nil, err
	}
	return res, nil
}

// validateCreatedFiles loads the written config and reads every board
// through it.
func validateCreatedFiles(dir string) error {
	cfg, err := config.Load(filepath.Join(dir, config.DefaultFileName))
	if err != nil {
		return fmt.Errorf("created %s is invalid: %w", config.DefaultFileName, err)
	}
	cfg.Resolve(dir)

	b := board.New(cfg.Board.Dir, filelock.NewManager(), board.WithLockTimeout(cfg.LockTimeout()))
	for _, kind := range board.Kinds {
		if _, err := b.GetAllTasks(context.Background(), kind); err != nil {
			return fmt.Errorf("existing %s board is unreadable: %w", kind, err)
		}
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess(w io.Writer, res *Result) {
	fmt.Fprintln(w, "\n✅ Successfully initialized burrow project!")
	fmt.Fprintln(w, "\nCreated:")
	for _, f := range res.Files {
		fmt.Fprintf(w, "  ✓ %s\n", f)
	}
	for _, d := range res.Dirs {
		fmt.Fprintf(w, "  ✓ %s/\n", d)
	}
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "  1. Add tasks with 'burrow add <id> --description ...'")
	fmt.Fprintln(w, "  2. Point agent.command in burrow.yml at your tool")
	fmt.Fprintln(w, "  3. Run 'burrow agent --id worker-1' in as many terminals as you like")
	fmt.Fprintln(w, "  4. Run 'burrow monitor' to requeue tasks whose agent died")
}
