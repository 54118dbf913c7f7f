// Package test holds fixtures shared by the package tests
package test

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteScript writes an executable shell script into dir and returns its path
func WriteScript(t *testing.T, dir string, name string, body string) string {
	t.Helper()

	p := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(p, []byte(content), 0755); err != nil {
		t.Fatalf("could not write script %s: %v", p, err)
	}

	return p
}

// WriteFile writes a fixture file, creating its directories
func WriteFile(t *testing.T, path string, data string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("could not create fixture directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("could not write fixture %s: %v", path, err)
	}

	return path
}
