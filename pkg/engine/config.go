package engine

import (
	"os"
	"time"

	"github.com/dedupcore/engine/pkg/fp"
)

// StartupContext selects how Open behaves relative to existing on-disk
// state (spec.md §6, "Startup context"). A NonCreate open against no
// pre-existing state fails.
type StartupContext struct {
	Create   bool        `mapstructure:"create" yaml:"create"` // Create vs NonCreate
	Force    bool        `mapstructure:"force" yaml:"force"`   // bypass the "was it cleanly stopped" check
	ReadOnly bool        `mapstructure:"read_only" yaml:"read_only"`
	FileMode os.FileMode `mapstructure:"file_mode" yaml:"file_mode"`
	DirMode  os.FileMode `mapstructure:"dir_mode" yaml:"dir_mode"`
}

// DefaultStartupContext is the non-destructive default: open existing
// state, fail if absent, normal file/dir permissions.
func DefaultStartupContext() StartupContext {
	return StartupContext{FileMode: 0o640, DirMode: 0o750}
}

// Config collects every tunable the engine's components need. pkg/config
// loads this from a config file plus environment overrides; tests and the
// default here construct it directly.
type Config struct {
	// On-disk layout
	ContainerDir  string `mapstructure:"container_dir" yaml:"container_dir"`
	MetaIndexDir  string `mapstructure:"meta_index_dir" yaml:"meta_index_dir"`
	ChunkIndexDir string `mapstructure:"chunk_index_dir" yaml:"chunk_index_dir"`
	BlockIndexDir string `mapstructure:"block_index_dir" yaml:"block_index_dir"`
	InfoStoreDir  string `mapstructure:"info_store_dir" yaml:"info_store_dir"`
	OpLogPath     string `mapstructure:"oplog_path" yaml:"oplog_path"`
	OpLogMaxSize  uint64 `mapstructure:"oplog_max_size" yaml:"oplog_max_size"` // 0 = unbounded

	// Data model
	ContainerSize   uint64 `mapstructure:"container_size" yaml:"container_size"`
	FingerprintSize int    `mapstructure:"fingerprint_size" yaml:"fingerprint_size"`
	BlockSize       uint64 `mapstructure:"block_size" yaml:"block_size"`

	// Container storage
	ContainerFileMaxSize uint64        `mapstructure:"container_file_max_size" yaml:"container_file_max_size"` // bytes per physical container file
	WriteCacheWidth      int           `mapstructure:"write_cache_width" yaml:"write_cache_width"`
	WriteCacheTTL        time.Duration `mapstructure:"write_cache_ttl" yaml:"write_cache_ttl"`
	CommitThreshold      float64       `mapstructure:"commit_threshold" yaml:"commit_threshold"`
	ReadCacheSize        int           `mapstructure:"read_cache_size" yaml:"read_cache_size"`

	// Chunk index
	ChunkCacheCapacity   int     `mapstructure:"chunk_cache_capacity" yaml:"chunk_cache_capacity"`
	ChunkFlushThreshold  float64 `mapstructure:"chunk_flush_threshold" yaml:"chunk_flush_threshold"`
	ChunkEstimatedMaxFPs int     `mapstructure:"chunk_estimated_max_fps" yaml:"chunk_estimated_max_fps"`

	// Block index
	BlockMaxLiveBlocks int     `mapstructure:"block_max_live_blocks" yaml:"block_max_live_blocks"`
	BlockFillThreshold float64 `mapstructure:"block_fill_threshold" yaml:"block_fill_threshold"`

	// Scheduling (spec.md §5, "Scheduling model")
	CommitterInterval        time.Duration `mapstructure:"committer_interval" yaml:"committer_interval"`
	ChunkImporterInterval    time.Duration `mapstructure:"chunk_importer_interval" yaml:"chunk_importer_interval"`
	BlockImporterInterval    time.Duration `mapstructure:"block_importer_interval" yaml:"block_importer_interval"`
	BackgroundReplayInterval time.Duration `mapstructure:"background_replay_interval" yaml:"background_replay_interval"`
	GCInterval               time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`
	GCLowUtilizationFraction float64       `mapstructure:"gc_low_utilization_fraction" yaml:"gc_low_utilization_fraction"`

	Startup StartupContext `mapstructure:"startup" yaml:"startup"`
}

// DefaultConfig returns the defaults named throughout spec.md: 4 MiB
// containers, 20-byte fingerprints (SHA-1-sized), 4 KiB blocks, and the
// background-task intervals/thresholds called out in §4-§6.
func DefaultConfig(dir string) Config {
	return Config{
		ContainerDir:  dir + "/containers",
		MetaIndexDir:  dir + "/meta",
		ChunkIndexDir: dir + "/chunkindex",
		BlockIndexDir: dir + "/blockindex",
		InfoStoreDir:  dir + "/info",
		OpLogPath:     dir + "/oplog.bin",

		ContainerSize:   4 << 20,
		FingerprintSize: fp.DefaultSize,
		BlockSize:       4096,

		ContainerFileMaxSize: 1 << 30,
		WriteCacheWidth:      4,
		WriteCacheTTL:        30 * time.Second,
		CommitThreshold:      0.9,
		ReadCacheSize:        1024,

		ChunkCacheCapacity:   100_000,
		ChunkFlushThreshold:  0.7,
		ChunkEstimatedMaxFPs: 0, // unbounded

		BlockMaxLiveBlocks: 0, // unbounded
		BlockFillThreshold: 0.85,

		CommitterInterval:        5 * time.Second,
		ChunkImporterInterval:    2 * time.Second,
		BlockImporterInterval:    2 * time.Second,
		BackgroundReplayInterval: time.Second,
		GCInterval:               30 * time.Second,
		GCLowUtilizationFraction: 0.5,

		Startup: DefaultStartupContext(),
	}
}
