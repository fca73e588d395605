package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/storage/types"
)

type recordingApplier struct {
	calls [][]types.ItemMeta
	err   error
}

func (r *recordingApplier) ApplyItems(_ context.Context, items []types.ItemMeta) error {
	r.calls = append(r.calls, items)
	return r.err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWithIncludes(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HC_TEST_HOST", "10084")

	writeFile(t, filepath.Join(dir, "items.yaml"), `
include: ["items.d/*.yaml"]
defaults:
  trends: false
items:
  1:
    host: ${HC_TEST_HOST}
    key: system.cpu.load
    value_type: float
    triggers: [7, 8]
  2:
    host: 1
    key: overridden
    value_type: str
`)
	writeFile(t, filepath.Join(dir, "items.d", "logs.yaml"), `
items:
  2:
    host: 1
    key: log[/var/log/syslog]
    value_type: log
    status: disabled
`)

	f, err := Load(filepath.Join(dir, "items.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	dst := &recordingApplier{}
	res, err := Apply(context.Background(), f, dst)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Items != 2 || res.Disabled != 1 {
		t.Errorf("result = %+v", res)
	}

	want := []types.ItemMeta{
		{ItemID: 1, HostID: 10084, Key: "system.cpu.load", ValueType: types.ValueTypeFloat, KeepHistory: true, TriggerIDs: []uint64{7, 8}},
		{ItemID: 2, HostID: 1, Key: "log[/var/log/syslog]", ValueType: types.ValueTypeLog, Status: types.ItemDisabled, KeepHistory: true},
	}
	if len(dst.calls) != 1 {
		t.Fatalf("ApplyItems called %d times", len(dst.calls))
	}
	if diff := cmp.Diff(want, dst.calls[0]); diff != "" {
		t.Errorf("applied items mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want not-exist", err)
	}
}

func TestValidate(t *testing.T) {
	f := &File{Items: map[uint64]*ItemConfig{
		0: {Key: "zero", ValueType: "float"},
		1: {ValueType: "float"},
		2: {Key: "k", ValueType: "blob"},
		3: {Key: "k", ValueType: "uint", Status: "paused"},
		4: {Key: "ok", ValueType: "text"},
	}}

	err := Validate(f)
	var verrs *errors.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Validate error = %v, want ValidationErrors", err)
	}
	if len(verrs.Errors) != 4 {
		t.Errorf("got %d errors, want 4:\n%v", len(verrs.Errors), err)
	}

	dst := &recordingApplier{}
	if _, err := Apply(context.Background(), f, dst); err == nil || len(dst.calls) != 0 {
		t.Errorf("Apply of an invalid file: err=%v calls=%d", err, len(dst.calls))
	}
}

func TestToMetaDropsTrendsOfNonNumericItems(t *testing.T) {
	on := true
	meta, err := (&ItemConfig{Key: "k", ValueType: "text", Trends: &on}).ToMeta(5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if meta.KeepTrends || !meta.KeepHistory {
		t.Errorf("meta = %+v", meta)
	}
}

func TestApplyPropagatesStoreError(t *testing.T) {
	f := DefaultFile()
	f.Items[1] = &ItemConfig{Key: "k", ValueType: "uint"}

	dst := &recordingApplier{err: errors.ErrStorageUnavailable}
	res, err := Apply(context.Background(), f, dst)
	if !errors.Is(err, errors.ErrStorageUnavailable) || len(res.Errors) != 1 {
		t.Errorf("Apply = %+v, %v", res, err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.yaml")
	writeFile(t, path, "items:\n  1: {key: a, value_type: float}\n")

	dst := &recordingApplier{}
	var results []*ApplyResult
	w := NewWatcher(path, dst, time.Hour, func(r *ApplyResult) { results = append(results, r) })

	if info, err := os.Stat(path); err == nil {
		w.setModTime(info.ModTime())
	}
	if w.Check(context.Background()) {
		t.Fatal("unchanged file reported as changed")
	}

	writeFile(t, path, "items:\n  1: {key: b, value_type: float}\n")
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if !w.Check(context.Background()) {
		t.Fatal("changed file not reloaded")
	}
	if len(dst.calls) != 1 || dst.calls[0][0].Key != "b" {
		t.Errorf("applied = %+v", dst.calls)
	}
	if len(results) != 1 || results[0].Items != 1 {
		t.Errorf("callback results = %+v", results)
	}
}
