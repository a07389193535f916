package service

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wingman/internal/model"
)

// ParseTaskDefinitions reads "<group> <task_dir>" lines. Blank lines are skipped;
// any other line that does not have exactly two fields with an integer group is an error.
func ParseTaskDefinitions(r io.Reader) ([]model.TaskDefinition, error) {
	var defs []model.TaskDefinition
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"<group> <task_dir>\", got %q", lineNo, line)
		}
		group, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid group number %q: %w", lineNo, fields[0], err)
		}
		defs = append(defs, model.TaskDefinition{GroupNumber: group, TaskDir: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task definitions: %w", err)
	}
	return defs, nil
}

// ReadTaskDefinitions parses the definition file at path
func ReadTaskDefinitions(path string) ([]model.TaskDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task definitions: %w", err)
	}
	defer f.Close()
	return ParseTaskDefinitions(f)
}

// ResolveTaskDir returns the ledger key of a task listed relative to runDir
func ResolveTaskDir(runDir, taskDir string) string {
	if filepath.IsAbs(taskDir) {
		return taskDir
	}
	return filepath.Join(runDir, taskDir)
}
