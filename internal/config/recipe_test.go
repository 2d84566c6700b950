package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRecipe(t *testing.T) {
	path := writeFile(t, "output_recipe.txt", "timestamp\n# joints\nactual_q\n\n  actual_qd  \nspeed_scaling\n")
	fields, err := LoadRecipe(path)
	if err != nil {
		t.Fatalf("LoadRecipe: %v", err)
	}
	want := []string{"timestamp", "actual_q", "actual_qd", "speed_scaling"}
	if len(fields) != len(want) {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("fields[%d] = %q, want %q", i, fields[i], want[i])
		}
	}
}

func TestLoadRecipe_Errors(t *testing.T) {
	if _, err := LoadRecipe(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadRecipe(writeFile(t, "empty.txt", "# nothing\n\n")); err == nil {
		t.Error("expected error for empty recipe")
	}
	if _, err := LoadRecipe(writeFile(t, "dup.txt", "actual_q\nactual_q\n")); err == nil {
		t.Error("expected error for duplicate field")
	}
}
