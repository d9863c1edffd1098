package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOptions_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"defaults", func(o *Options) {}, false},
		{"explicit checksum", func(o *Options) { o.Checksum = "xxhash64" }, false},
		{"unknown checksum", func(o *Options) { o.Checksum = "md5" }, true},
		{"negative auto sync", func(o *Options) { o.AutoSyncBytes = -1 }, true},
		{"unnamed index", func(o *Options) {
			o.Indexes = []IndexDef{{Extract: kvExtract}}
		}, true},
		{"index without extractor", func(o *Options) {
			o.Indexes = []IndexDef{{Name: "keys"}}
		}, true},
		{"duplicate index names", func(o *Options) {
			o.Indexes = []IndexDef{
				{Name: "keys", Extract: kvExtract},
				{Name: "keys", Extract: kvExtract},
			}
		}, true},
		{"fold without seed", func(o *Options) {
			o.Folds = []FoldDef{{Name: "f", Fn: countFold().Fn}}
		}, true},
		{"duplicate fold names", func(o *Options) {
			o.Folds = []FoldDef{countFold(), countFold()}
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			err := opts.Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestOptions_PolicyMapping(t *testing.T) {
	cases := map[string]ChecksumPolicy{
		"auto":     ChecksumAuto,
		"crc32":    Checksum32,
		"xxhash64": Checksum64,
		"":         ChecksumAuto,
	}
	for name, want := range cases {
		o := Options{Checksum: name}
		if got := o.policy(); got != want {
			t.Errorf("Checksum %q: expected policy %d, got %d", name, want, got)
		}
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.yaml")
	conf := `
checksum: xxhash64
compression: true
fsync: true
auto_sync_bytes: 65536
create_missing: false
`
	if err := os.WriteFile(path, []byte(conf), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("Failed to load options: %v", err)
	}
	if opts.Checksum != "xxhash64" {
		t.Errorf("Expected xxhash64, got %q", opts.Checksum)
	}
	if !opts.Compression || !opts.Fsync {
		t.Error("Boolean options not loaded")
	}
	if opts.AutoSyncBytes != 65536 {
		t.Errorf("Expected 65536, got %d", opts.AutoSyncBytes)
	}
	if opts.CreateMissing {
		t.Error("create_missing should override the default")
	}
}

func TestLoadOptions_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.yaml")
	if err := os.WriteFile(path, []byte("checksum: md5\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadOptions(path); err == nil {
		t.Error("Expected a validation error for an unknown checksum")
	}

	if _, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
