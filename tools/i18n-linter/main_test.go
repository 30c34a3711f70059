// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestFlattenYAMLAndLoadKeys(t *testing.T) {
	m := map[string]interface{}{
		"key": map[string]interface{}{
			"add_done": "Provisioned %s on %s.",
			"arr":      []interface{}{"one", "two"},
		},
		"other": "v",
	}
	keys := make(map[string]struct{})
	flattenYAML("", m, keys)
	if _, ok := keys["key.add_done"]; !ok {
		t.Fatalf("expected key.add_done in keys")
	}
	if _, ok := keys["key.arr[0]"]; !ok {
		t.Fatalf("expected key.arr[0] in keys")
	}

	// Round-trip through a file to cover loadKeysFromLocale.
	dir := t.TempDir()
	p := filepath.Join(dir, "en.yaml")
	data, _ := yaml.Marshal(m)
	if err := os.WriteFile(p, data, 0600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	got, err := loadKeysFromLocale(p)
	if err != nil {
		t.Fatalf("loadKeysFromLocale failed: %v", err)
	}
	if _, ok := got["key.add_done"]; !ok {
		t.Fatalf("expected loaded key key.add_done")
	}
}

func TestFindUsedKeysAndUntranslatedStrings(t *testing.T) {
	dir := t.TempDir()
	src := `package foo
func f(){
	_ = i18n.T("my.key")
	foo("Visible message")
	bar("ok")
	q("SELECT name FROM hosts")
	d("file:keywarden.db?cache=shared")
}`
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(dir, "sub", "a.go")
	if err := os.WriteFile(p, []byte(src), 0644); err != nil {
		t.Fatalf("write go: %v", err)
	}

	used, err := findUsedKeys(dir)
	if err != nil {
		t.Fatalf("findUsedKeys failed: %v", err)
	}
	if _, ok := used["my.key"]; !ok {
		t.Fatalf("expected my.key found in used keys")
	}

	all := map[string]struct{}{"my.key": {}}

	untranslated, err := findUntranslatedStrings(dir, used, all)
	if err != nil {
		t.Fatalf("findUntranslatedStrings failed: %v", err)
	}
	if _, ok := untranslated["Visible message"]; !ok {
		t.Fatalf("expected Visible message to be flagged as untranslated")
	}
	// Short strings, SQL, and DSNs are filtered out.
	if _, ok := untranslated["ok"]; ok {
		t.Fatalf("did not expect short literal to be flagged")
	}
	if _, ok := untranslated["SELECT name FROM hosts"]; ok {
		t.Fatalf("did not expect SQL to be flagged")
	}
	if _, ok := untranslated["file:keywarden.db?cache=shared"]; ok {
		t.Fatalf("did not expect DSN to be flagged")
	}
}
