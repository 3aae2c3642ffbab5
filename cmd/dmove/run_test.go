package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/dmove/engine"
	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/store"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Streams:    2,
		BufferSize: 4,
		StateDir:   t.TempDir(),
		Codec:      "msgpack",
		Overwrite:  "never",
		MaxRetries: 0,
		Checkpoint: CheckpointConfig{Bytes: 4},
		LogLevel:   "info",
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestCopyRun(t *testing.T) {
	cfg := testConfig(t)
	srcDir, dstDir := t.TempDir(), t.TempDir()
	files := map[string]string{
		"a.txt":           "first file",
		"nested/b.bin":    strings.Repeat("x", 37),
		"nested/deep/c":   "",
		"keep/existing.t": "new content",
	}
	writeTree(t, srcDir, files)
	writeTree(t, dstDir, map[string]string{"keep/existing.t": "old"})

	var out bytes.Buffer
	rt, err := newRuntime(cfg, strings.NewReader(""), &out)
	require.NoError(t, err)

	tr := job.NewTransfer("tr-1", job.NewLocalPath(srcDir), job.NewLocalPath(dstDir), "")
	require.NoError(t, rt.run(context.Background(), walkTransfer(tr)))
	assert.Contains(t, out.String(), "3 completed, 1 skipped, 0 failed")

	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dstDir, name))
		require.NoError(t, err)
		if name == "keep/existing.t" {
			content = "old"
		}
		assert.Equal(t, content, string(got), name)
	}

	var status bytes.Buffer
	require.NoError(t, printStatus(&status, rt.store, []store.JobState{store.StateCompleted}, true))
	var recs []store.JobRecord
	require.NoError(t, json.Unmarshal(status.Bytes(), &recs))
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, "tr-1", rec.TransferID)
		assert.Equal(t, "msgpack", rec.Codec)
		assert.Equal(t, rec.TotalBytes, rec.BytesTransferred)
	}

	require.NoError(t, rt.Close())

	// a later run over the same tree finds nothing left to do
	out.Reset()
	rt2, err := newRuntime(cfg, strings.NewReader(""), &out)
	require.NoError(t, err)
	defer rt2.Close()
	require.NoError(t, rt2.run(context.Background(), walkTransfer(tr)))
	assert.Contains(t, out.String(), "0 completed, 0 skipped, 0 failed")
}

func TestResumeRun(t *testing.T) {
	cfg := testConfig(t)
	srcDir, dstDir := t.TempDir(), t.TempDir()
	content := strings.Repeat("0123456789", 5)
	writeTree(t, srcDir, map[string]string{"data": content})
	writeTree(t, dstDir, map[string]string{"data": content[:20] + "garbage"})

	src := job.NewLocalPath(filepath.Join(srcDir, "data"))
	dst := job.NewLocalPath(filepath.Join(dstDir, "data"))
	info, err := os.Stat(src.Path())
	require.NoError(t, err)

	// A job left behind by an interrupted run: 20 bytes are in place.
	st, err := openStore(cfg)
	require.NoError(t, err)
	j, err := job.New(src, dst)
	require.NoError(t, err)
	require.NoError(t, j.SetOverwrite(true))
	cp := j.Checkpoint()
	require.NoError(t, cp.Begin(job.ValidationToken{LastModified: info.ModTime(), Size: info.Size()}, info.Size()))
	require.NoError(t, cp.RecordCompleted(job.Range{Offset: 0, Length: 20}))
	require.NoError(t, st.SaveJob(&store.JobRecord{ID: j.ID(), TransferID: "tr-old", State: store.StateInProgress, TotalBytes: info.Size()}, j))
	require.NoError(t, st.Close())

	var out bytes.Buffer
	rt, err := newRuntime(cfg, strings.NewReader(""), &out)
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.run(context.Background(), reloadJobs("", false)))
	assert.Contains(t, out.String(), "1 completed, 0 skipped, 0 failed")

	got, err := os.ReadFile(dst.Path())
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	rec, _, err := rt.store.GetJob(j.ID())
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, rec.State)

	out.Reset()
	require.NoError(t, rt.run(context.Background(), reloadJobs("", false)))
	assert.Contains(t, out.String(), "Nothing to resume.")
}

func TestResumeFiltersByTransfer(t *testing.T) {
	cfg := testConfig(t)
	rt, err := newRuntime(cfg, strings.NewReader(""), &bytes.Buffer{})
	require.NoError(t, err)
	defer rt.Close()

	dir := t.TempDir()
	for _, tid := range []string{"tr-a", "tr-b"} {
		j, err := job.New(job.NewLocalPath(filepath.Join(dir, tid)), job.NewLocalPath(filepath.Join(dir, tid+".out")))
		require.NoError(t, err)
		require.NoError(t, rt.store.SaveJob(&store.JobRecord{ID: j.ID(), TransferID: tid, State: store.StatePending}, j))
	}

	jobs := make(engine.JobChannel, 10)
	require.NoError(t, reloadJobs("tr-b", false)(context.Background(), rt, jobs))
	close(jobs)

	var got []engine.Task
	for task := range jobs {
		got = append(got, task)
	}
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join(dir, "tr-b"), got[0].Job.Source().Path())
}

func TestPrintStatusTable(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(cfg)
	require.NoError(t, err)
	defer st.Close()

	var empty bytes.Buffer
	require.NoError(t, printStatus(&empty, st, nil, false))
	assert.Equal(t, "No jobs.\n", empty.String())

	j, err := job.New(job.NewCloudBlob("bucket", "a"), job.NewCloudBlob("bucket", "b"))
	require.NoError(t, err)
	require.NoError(t, j.SetCopyID("upload-42"))
	require.NoError(t, st.SaveJob(&store.JobRecord{ID: j.ID(), Source: j.Source().String(), State: store.StateInProgress}, j))

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, st, nil, false))
	for _, want := range []string{"STATE", j.ID(), "InProgress", "copy upload-42", "s3://bucket/a"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestProgressOf(t *testing.T) {
	assert.Equal(t, "50%", progressOf(&store.JobRecord{BytesTransferred: 5, TotalBytes: 10}))
	assert.Equal(t, "100%", progressOf(&store.JobRecord{State: store.StateCompleted}))
	assert.Equal(t, "-", progressOf(&store.JobRecord{State: store.StatePending}))
}
