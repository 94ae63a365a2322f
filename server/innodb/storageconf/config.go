// Package storageconf holds the tunables the clustered-index storage core
// reads from its environment: an ini.v1 file with typed accessors.
package storageconf

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// StorageConfig carries every named constant the core's components read
// from configuration instead of hardcoding.
type StorageConfig struct {
	// PageSize is the default uncompressed page size in bytes (16 KiB unless
	// overridden; 4/8/16/32/64 KiB are permitted per the file format).
	PageSize uint32

	// DefaultZipSSize is the compressed page ssize exponent used when an
	// index does not specify one (see page_zip.hpp: ssize in
	// [PAGE_ZIP_MIN_SIZE_SHIFT, IB_PAGE_SIZE_SHIFT]).
	DefaultZipSSize uint8

	// AHIAnalysisThreshold is BTR_SEARCH_HASH_ANALYSIS: the per-index hit
	// count that triggers an adaptive hash build pass.
	AHIAnalysisThreshold uint32

	// PageCompressLimitDivisor yields BTR_CUR_PAGE_COMPRESS_LIMIT =
	// PageSize / PageCompressLimitDivisor, the merge-eligibility threshold.
	PageCompressLimitDivisor uint32

	// AntelopeLocalPrefixLen is the local prefix kept in the leaf record for
	// an externally stored field under the pre-Barracuda (Antelope) row
	// formats (REDUNDANT, COMPACT); Barracuda formats use 0.
	AntelopeLocalPrefixLen uint32

	// BarracudaLocalPrefixLen is the equivalent for DYNAMIC/COMPRESSED
	// formats, which store no local prefix at all.
	BarracudaLocalPrefixLen uint32
}

// Default mirrors the engine's historical constants, used whenever no
// ini file is supplied.
func Default() *StorageConfig {
	return &StorageConfig{
		PageSize:                 16384,
		DefaultZipSSize:          10, // 1 KiB compressed pages (2^10)
		AHIAnalysisThreshold:     17,
		PageCompressLimitDivisor: 2,
		AntelopeLocalPrefixLen:   768,
		BarracudaLocalPrefixLen:  0,
	}
}

// Load reads overrides from an ini file's [storage] section, falling back
// to Default() for any key that is absent.
func Load(path string) (*StorageConfig, error) {
	cfg := Default()

	raw, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load storage config %q: %w", path, err)
	}

	section, err := raw.GetSection("storage")
	if err != nil {
		// No [storage] section: defaults stand; a missing section means
		// "use defaults", not a hard failure.
		return cfg, nil
	}

	if key, err := section.GetKey("page_size"); err == nil {
		cfg.PageSize = uint32(key.MustUint(uint(cfg.PageSize)))
	}
	if key, err := section.GetKey("default_zip_ssize"); err == nil {
		cfg.DefaultZipSSize = uint8(key.MustUint(uint(cfg.DefaultZipSSize)))
	}
	if key, err := section.GetKey("ahi_analysis_threshold"); err == nil {
		cfg.AHIAnalysisThreshold = uint32(key.MustUint(uint(cfg.AHIAnalysisThreshold)))
	}
	if key, err := section.GetKey("page_compress_limit_divisor"); err == nil {
		cfg.PageCompressLimitDivisor = uint32(key.MustUint(uint(cfg.PageCompressLimitDivisor)))
	}
	if key, err := section.GetKey("antelope_local_prefix_len"); err == nil {
		cfg.AntelopeLocalPrefixLen = uint32(key.MustUint(uint(cfg.AntelopeLocalPrefixLen)))
	}
	if key, err := section.GetKey("barracuda_local_prefix_len"); err == nil {
		cfg.BarracudaLocalPrefixLen = uint32(key.MustUint(uint(cfg.BarracudaLocalPrefixLen)))
	}

	return cfg, nil
}

// PageCompressLimit returns BTR_CUR_PAGE_COMPRESS_LIMIT for this config.
func (c *StorageConfig) PageCompressLimit() uint32 {
	return c.PageSize / c.PageCompressLimitDivisor
}
