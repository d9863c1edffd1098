package journal

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/revlog/revlog/pkg/logging"
	"github.com/revlog/revlog/pkg/metrics"
)

// ChecksumPolicy selects the per-entry checksum algorithm.
type ChecksumPolicy int

const (
	// ChecksumAuto picks CRC32 for payloads below ChecksumSizeThreshold
	// and xxhash64 at or above it.
	ChecksumAuto ChecksumPolicy = iota
	// Checksum32 always uses CRC32-IEEE.
	Checksum32
	// Checksum64 always uses xxhash64.
	Checksum64
)

// ChecksumSizeThreshold is the payload size at which the auto policy
// switches from CRC32 to xxhash64.
const ChecksumSizeThreshold = 256

// IndexOpKind is the kind of index mutation an extractor emits.
type IndexOpKind int

const (
	IndexInsert IndexOpKind = iota
	IndexRemove
	IndexRemovePrefix
)

// IndexOp is a single index mutation derived from an entry payload.
// Key bytes are copied when applied; extractors may alias the payload.
type IndexOp struct {
	Kind IndexOpKind
	Key  []byte
}

// IndexDef configures one index over the entry stream.
type IndexDef struct {
	// Name identifies the index; it also names its on-disk file.
	Name string
	// Extract derives index mutations from an entry payload.
	Extract func(payload []byte) []IndexOp
	// LagBytes is how far the persisted index may trail the committed
	// log before sync forces a flush. Zero flushes on every sync.
	LagBytes uint64
}

// FoldDef configures one incremental aggregate over the entry stream.
type FoldDef struct {
	Name string
	// Seed produces the initial accumulator.
	Seed func() any
	// Fn folds one entry into the accumulator.
	Fn func(acc any, payload []byte, offset uint64) (any, error)
	// Copy duplicates an accumulator for snapshots. Nil means the
	// accumulator is treated as immutable and shared by value.
	Copy func(acc any) any
}

// FilterVerdict is a flush filter's decision for one dirty entry.
type FilterVerdict int

const (
	FilterKeep FilterVerdict = iota
	FilterDrop
	FilterReplace
)

// FlushFilter can veto or rewrite dirty entries just before they become
// durable. It receives a read-only view of the clean log being rebuilt
// and the raw entry payload, and returns a verdict plus the replacement
// payload when the verdict is FilterReplace.
type FlushFilter func(clean *Journal, payload []byte) (FilterVerdict, []byte, error)

// Options is the configuration surface for opening a journal.
type Options struct {
	// Checksum selects the per-entry checksum policy.
	Checksum string `yaml:"checksum" validate:"omitempty,oneof=auto crc32 xxhash64"`
	// Compression enables snappy compression of entry payloads.
	Compression bool `yaml:"compression"`
	// Fsync syncs file writes during sync and flush.
	Fsync bool `yaml:"fsync"`
	// AutoSyncBytes triggers a sync once the pending buffer exceeds
	// this many bytes. Zero disables auto-sync.
	AutoSyncBytes int `yaml:"auto_sync_bytes" validate:"min=0"`
	// CreateMissing initializes an empty journal when the directory
	// holds none.
	CreateMissing bool `yaml:"create_missing"`

	// Runtime-only configuration, not loadable from a file.
	Indexes     []IndexDef        `yaml:"-"`
	Folds       []FoldDef         `yaml:"-"`
	FlushFilter FlushFilter       `yaml:"-"`
	Logger      logging.Logger    `yaml:"-"`
	Metrics     *metrics.Registry `yaml:"-"`
}

// DefaultOptions returns the options used when callers pass zero values.
func DefaultOptions() Options {
	return Options{
		Checksum:      "auto",
		CreateMissing: true,
	}
}

var validate = validator.New()

// Validate checks the options for misuse before any file is touched.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	seen := make(map[string]bool)
	for i, def := range o.Indexes {
		if def.Name == "" {
			return fmt.Errorf("invalid options: index %d has no name", i)
		}
		if def.Extract == nil {
			return fmt.Errorf("invalid options: index %q has no extract function", def.Name)
		}
		if seen[def.Name] {
			return fmt.Errorf("invalid options: duplicate index name %q", def.Name)
		}
		seen[def.Name] = true
	}

	folds := make(map[string]bool)
	for i, def := range o.Folds {
		if def.Name == "" {
			return fmt.Errorf("invalid options: fold %d has no name", i)
		}
		if def.Seed == nil || def.Fn == nil {
			return fmt.Errorf("invalid options: fold %q needs seed and fold functions", def.Name)
		}
		if folds[def.Name] {
			return fmt.Errorf("invalid options: duplicate fold name %q", def.Name)
		}
		folds[def.Name] = true
	}

	return nil
}

// policy maps the configured checksum name to its policy constant.
func (o *Options) policy() ChecksumPolicy {
	switch o.Checksum {
	case "crc32":
		return Checksum32
	case "xxhash64":
		return Checksum64
	default:
		return ChecksumAuto
	}
}

// logger returns the configured logger or the package default.
func (o *Options) logger() logging.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.DefaultLogger()
}

// metricsRegistry returns the configured registry or the shared default.
func (o *Options) metricsRegistry() *metrics.Registry {
	if o.Metrics != nil {
		return o.Metrics
	}
	return metrics.Default()
}

// LoadOptions reads file-loadable options from a YAML file, layered over
// DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}
