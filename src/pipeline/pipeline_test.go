// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysisqueue/src/model"
	"analysisqueue/src/storage"
)

type stage struct {
	name  string
	calls *[]string
	err   error
}

func (s stage) RunProcessing(context.Context, *model.Task) (Results, error) {
	*s.calls = append(*s.calls, s.name)
	if s.err != nil {
		return nil, s.err
	}
	return Results{"behavior": map[string]any{"files": []any{"C:\\evil.exe"}}}, nil
}

func (s stage) RunSignatures(_ context.Context, r Results) error {
	*s.calls = append(*s.calls, s.name)
	r["annotated"] = true
	return s.err
}

func (s stage) RunReporting(_ context.Context, _ *model.Task, r Results) error {
	*s.calls = append(*s.calls, s.name)
	if r["annotated"] != true {
		return errors.New("signatures did not run first")
	}
	return s.err
}

func newPipeline(calls *[]string, failAt string) *Pipeline {
	mk := func(name string) stage {
		st := stage{name: name, calls: calls}
		if name == failAt {
			st.err = errors.New(name + " failed")
		}
		return st
	}
	return &Pipeline{
		Processing: mk("processing"),
		Signatures: mk("signatures"),
		Reporting:  mk("reporting"),
	}
}

func fileTask(t *testing.T) (*model.Task, string) {
	t.Helper()
	dir := t.TempDir()
	original := filepath.Join(dir, "original.exe")
	copyPath := filepath.Join(dir, "copy")
	require.NoError(t, os.WriteFile(original, []byte("MZ"), 0o644))
	require.NoError(t, os.WriteFile(copyPath, []byte("MZ"), 0o644))
	return &model.Task{ID: 1, Category: model.CategoryFile, Target: original}, copyPath
}

func TestProcessRunsStagesInOrder(t *testing.T) {
	var calls []string
	task, copyPath := fileTask(t)

	require.NoError(t, newPipeline(&calls, "").Process(context.Background(), task, copyPath))
	assert.Equal(t, []string{"processing", "signatures", "reporting"}, calls)

	// Both flags off: nothing is removed.
	assert.FileExists(t, task.Target)
	assert.FileExists(t, copyPath)
}

func TestProcessStageErrorSkipsCleanup(t *testing.T) {
	for _, failAt := range []string{"processing", "signatures", "reporting"} {
		t.Run(failAt, func(t *testing.T) {
			var calls []string
			task, copyPath := fileTask(t)
			p := newPipeline(&calls, failAt)
			p.DeleteOriginal = true
			p.DeleteBinCopy = true

			err := p.Process(context.Background(), task, copyPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), failAt)
			assert.Equal(t, failAt, calls[len(calls)-1])

			assert.FileExists(t, task.Target)
			assert.FileExists(t, copyPath)
		})
	}
}

func TestProcessCleanup(t *testing.T) {
	var calls []string
	task, copyPath := fileTask(t)
	p := newPipeline(&calls, "")
	p.DeleteOriginal = true

	require.NoError(t, p.Process(context.Background(), task, copyPath))
	assert.NoFileExists(t, task.Target)
	assert.FileExists(t, copyPath)

	p.DeleteOriginal = false
	p.DeleteBinCopy = true
	require.NoError(t, p.Process(context.Background(), task, copyPath))
	assert.NoFileExists(t, copyPath)
}

func TestProcessCleanupFailureIsNotAnError(t *testing.T) {
	var calls []string
	task, _ := fileTask(t)

	// A non-empty directory cannot be removed with os.Remove.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep"), nil, 0o644))

	p := newPipeline(&calls, "")
	p.DeleteBinCopy = true
	p.DeleteOriginal = true
	assert.NoError(t, p.Process(context.Background(), task, dir))
	assert.NoFileExists(t, task.Target)
	assert.DirExists(t, dir)
}

func TestProcessURLTaskKeepsTarget(t *testing.T) {
	var calls []string
	p := newPipeline(&calls, "")
	p.DeleteOriginal = true

	task := &model.Task{ID: 2, Category: model.CategoryURL, Target: "http://example.com"}
	assert.NoError(t, p.Process(context.Background(), task, ""))
}

func TestSignatureSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signatures:
  - name: drops_exe
    description: Drops an executable
    severity: 2
    key: behavior.files
    contains: ".exe"
  - name: contacts_host
    key: network.hosts
    contains: "10.0.0.1"
`), 0o644))

	set, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, set.Rules, 2)

	results := Results{"behavior": map[string]any{"files": []any{"C:\\a.exe", "C:\\b.txt"}}}
	require.NoError(t, set.RunSignatures(context.Background(), results))

	matches, ok := results["signatures"].([]any)
	require.True(t, ok)
	require.Len(t, matches, 1)
	match, ok := matches[0].(Match)
	require.True(t, ok)
	assert.Equal(t, "drops_exe", match.Name)
	assert.Equal(t, []string{"C:\\a.exe"}, match.Marks)
}

func TestSignatureSetKeepsToolSignatures(t *testing.T) {
	set := &SignatureSet{Rules: []Rule{{Name: "evil", Key: "network.hosts", Contains: "evil.com"}}}

	var results Results
	require.NoError(t, json.Unmarshal([]byte(
		`{"signatures":[{"name":"from_tool"}],"network":{"hosts":["evil.com"]}}`,
	), &results))
	require.NoError(t, set.RunSignatures(context.Background(), results))

	matches, ok := results["signatures"].([]any)
	require.True(t, ok)
	require.Len(t, matches, 2)
	assert.Equal(t, map[string]any{"name": "from_tool"}, matches[0])
	assert.Equal(t, Match{Name: "evil", Marks: []string{"evil.com"}}, matches[1])

	// No match leaves the tool's entries as they were.
	quiet := &SignatureSet{Rules: []Rule{{Name: "none", Key: "network.hosts", Contains: "nowhere"}}}
	before := results["signatures"]
	require.NoError(t, quiet.RunSignatures(context.Background(), results))
	assert.Equal(t, before, results["signatures"])
}

func TestLoadRules(t *testing.T) {
	set, err := LoadRules("")
	require.NoError(t, err)
	assert.Empty(t, set.Rules)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signatures:\n  - description: nameless\n"), 0o644))
	_, err = LoadRules(path)
	assert.Error(t, err)
}

func TestJSONReporter(t *testing.T) {
	r := &JSONReporter{Binaries: &storage.Binaries{Root: t.TempDir()}}
	task := &model.Task{ID: 9, Category: model.CategoryURL, Target: "http://example.com"}

	require.NoError(t, r.RunReporting(context.Background(), task, Results{"score": 3}))

	data, err := os.ReadFile(r.ReportPath(9))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, float64(3), doc["score"])
	info := doc["info"].(map[string]any)
	assert.Equal(t, "http://example.com", info["target"])
}
