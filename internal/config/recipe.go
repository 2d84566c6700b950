package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadRecipe reads a telemetry recipe: one field name per line. Blank lines
// and lines starting with '#' are skipped.
func LoadRecipe(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipe: %w", err)
	}
	defer f.Close()

	var fields []string
	seen := make(map[string]bool)
	scan := bufio.NewScanner(f)
	for line := 1; scan.Scan(); line++ {
		field := strings.TrimSpace(scan.Text())
		if field == "" || strings.HasPrefix(field, "#") {
			continue
		}
		if seen[field] {
			return nil, fmt.Errorf("%s:%d: duplicate field %q", path, line, field)
		}
		seen[field] = true
		fields = append(fields, field)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("recipe %s is empty", path)
	}
	return fields, nil
}
