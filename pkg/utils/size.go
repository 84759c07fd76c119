package utils

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	Byte     int64 = 1
	KibiByte int64 = 1 << 10
	MebiByte int64 = 1 << 20
	GibiByte int64 = 1 << 30
	TebiByte int64 = 1 << 40
)

var sizePattern = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([A-Za-z]+)$`)

// Decimal units are 1000-based, IEC units and bare letters 1024-based.
var sizeUnits = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12,
	"K": KibiByte, "KIB": KibiByte,
	"M": MebiByte, "MIB": MebiByte,
	"G": GibiByte, "GIB": GibiByte,
	"T": TebiByte, "TIB": TebiByte,
}

// ParseDataSize parses sizes such as "4MiB", "1.5GB" or "512" (bytes).
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size: %s", s)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q (expected something like 4MiB or 1.5GB)", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}
	mult, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s", m[2])
	}
	bytes := value * float64(mult)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("size overflows: %s", s)
	}
	return int64(bytes), nil
}

// FormatDataSize renders bytes with binary units, e.g. "1.5 MiB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KibiByte {
		return fmt.Sprintf("%d B", bytes)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(bytes) / float64(KibiByte)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	if value == math.Trunc(value) {
		return fmt.Sprintf("%.0f %s", value, units[i])
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}
