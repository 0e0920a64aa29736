package scaffold

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/filelock"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		force     bool
		setupFunc func(string)
		wantErr   string
	}{
		{
			name:      "fresh initialization",
			setupFunc: func(dir string) {},
		},
		{
			name:  "refuses to overwrite without force",
			force: false,
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, "burrow.yml"), []byte("old content"), 0644)
			},
			wantErr: "project already initialized",
		},
		{
			name:  "force rewrites existing files",
			force: true,
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, "burrow.yml"), []byte("old content"), 0644)
			},
		},
		{
			name:  "force rejects a corrupt board",
			force: true,
			setupFunc: func(dir string) {
				os.MkdirAll(filepath.Join(dir, ".burrow", "board"), 0755)
				os.WriteFile(filepath.Join(dir, ".burrow", "board", "working.json"), []byte("{"), 0644)
			},
			wantErr: "working board is unreadable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			tt.setupFunc(tmpDir)

			res, err := Initialize(tmpDir, tt.force)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Initialize() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Initialize() unexpected error: %v", err)
			}

			expectedFiles := []struct {
				path       string
				executable bool
			}{
				{"burrow.yml", false},
				{"agents/example-tool.sh", true},
				{".burrow/.gitignore", false},
				{".burrow/board", false},
				{".burrow/mailbox", false},
			}
			for _, ef := range expectedFiles {
				info, err := os.Stat(filepath.Join(tmpDir, ef.path))
				if err != nil {
					t.Errorf("Expected %s to exist, but got error: %v", ef.path, err)
					continue
				}
				if ef.executable && info.Mode()&0111 == 0 {
					t.Errorf("File %s should be executable, but mode is %v", ef.path, info.Mode())
				}
			}

			if len(res.Files) != len(projectFiles) {
				t.Errorf("Result lists %d files, want %d", len(res.Files), len(projectFiles))
			}

			cfg, err := config.Load(filepath.Join(tmpDir, "burrow.yml"))
			if err != nil {
				t.Fatalf("created burrow.yml does not load: %v", err)
			}
			if cfg.Monitor.EscalationStrategy != "requeue" || *cfg.Monitor.MaxFailureCount != 3 {
				t.Errorf("unexpected monitor defaults: %+v", cfg.Monitor)
			}
			if got := cfg.Agent.Command; len(got) != 1 || got[0] != "./agents/example-tool.sh" {
				t.Errorf("agent.command = %v", got)
			}
		})
	}
}

func TestForceKeepsBoardState(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := Initialize(tmpDir, false); err != nil {
		t.Fatal(err)
	}

	b := board.New(filepath.Join(tmpDir, ".burrow", "board"), filelock.NewManager())
	if _, err := b.AddTask(context.Background(), board.Task{ID: "keep-me"}); err != nil {
		t.Fatal(err)
	}

	if _, err := Initialize(tmpDir, true); err != nil {
		t.Fatalf("re-init with force: %v", err)
	}

	if _, _, err := b.Get(context.Background(), "keep-me"); err != nil {
		t.Errorf("task lost after init --force: %v", err)
	}
}

func TestCheckExisting(t *testing.T) {
	tmpDir := t.TempDir()
	if err := CheckExisting(tmpDir); err != nil {
		t.Errorf("empty dir: %v", err)
	}

	os.WriteFile(filepath.Join(tmpDir, "burrow.yml"), []byte("x"), 0644)
	err := CheckExisting(tmpDir)
	if err == nil || !strings.Contains(err.Error(), "Found existing: burrow.yml") {
		t.Errorf("single file: got %v", err)
	}

	os.MkdirAll(filepath.Join(tmpDir, "agents"), 0755)
	os.WriteFile(filepath.Join(tmpDir, "agents", "example-tool.sh"), []byte("x"), 0755)
	err = CheckExisting(tmpDir)
	if err == nil || !strings.Contains(err.Error(), "  - agents/example-tool.sh") {
		t.Errorf("multiple files: got %v", err)
	}
	if !strings.Contains(err.Error(), "burrow init --force") {
		t.Errorf("missing hint: %v", err)
	}
}

func TestPrintSuccess(t *testing.T) {
	var buf bytes.Buffer
	PrintSuccess(&buf, &Result{Files: []string{"burrow.yml"}, Dirs: []string{".burrow/board"}})
	out := buf.String()
	for _, want := range []string{"Successfully initialized burrow project", "✓ burrow.yml", "✓ .burrow/board/", "burrow monitor"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
