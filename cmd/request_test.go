package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlRequest = `run_id: r1
tenant_id: t1
source: ted
documents:
  - source: ted
    source_url: https://ted.europa.eu/notice/N-1
    external_id: N-1
    raw_text: Retender of IT services
    raw_json:
      id: N-1
      title: IT services framework
      estimated_value: 100000
      cpv_codes: ["72000000", "48000000"]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRequest_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "req.yaml", yamlRequest)

	req, err := loadRequest(path)
	require.NoError(t, err)
	assert.Equal(t, "r1", req.RunID)
	assert.Equal(t, "t1", req.TenantID)
	require.Len(t, req.Documents, 1)

	doc := req.Documents[0]
	assert.Equal(t, "N-1", doc.ExternalID)
	assert.Equal(t, "IT services framework", doc.RawJSON["title"])
	assert.Equal(t, []any{"72000000", "48000000"}, doc.RawJSON["cpv_codes"])
	assert.NoError(t, req.Validate())
}

func TestLoadRequest_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "req.json",
		`{"tenant_id":"t1","source":"ted","documents":[{"source":"ted","raw_text":"x","raw_json":{"id":"A"}}]}`)

	req, err := loadRequest(path)
	require.NoError(t, err)
	assert.Equal(t, "t1", req.TenantID)
	assert.Empty(t, req.RunID)
	assert.Equal(t, "A", req.Documents[0].RawJSON["id"])
}

func TestLoadRequest_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := loadRequest(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = loadRequest(writeFile(t, dir, "req.txt", "run_id: r1"))
	assert.ErrorContains(t, err, "unsupported extension")

	_, err = loadRequest(writeFile(t, dir, "bad.json", "{"))
	assert.ErrorContains(t, err, "decode request")
}

func TestRequestFiles(t *testing.T) {
	dir := t.TempDir()
	b := writeFile(t, dir, "b.yaml", yamlRequest)
	a := writeFile(t, dir, "a.json", "{}")
	writeFile(t, dir, "notes.txt", "ignored")

	files, err := requestFiles([]string{"z.yml"}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, "z.yml"}, files)
}
