// Package pagination normalizes client-supplied page sizes.
package pagination

// PageSizeConfig bounds a page size.
type PageSizeConfig struct {
	Default int
	Max     int
}

// ClampPageSize applies the default for non-positive values and caps at Max.
// The result is always at least 1.
func ClampPageSize(value int, cfg PageSizeConfig) int {
	size := value
	if size <= 0 {
		size = cfg.Default
	}
	if cfg.Max > 0 && size > cfg.Max {
		size = cfg.Max
	}
	if size <= 0 {
		size = 1
	}
	return size
}
