package mem

import "strconv"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
	Tb        = 1024 * Gb
)

// decimalUnits lists the units used by HumanString, smallest first. Reports
// use powers of 1000 so that the printed figure matches what tools such as
// df display for the same byte count.
var decimalUnits = [...]string{"B", "kB", "MB", "GB", "TB", "PB"}

// HumanString returns a short human-readable rendering of s using decimal
// units. The mantissa always has three significant digits unless the value
// is below 1kB (e.g. "512 B", "1.50 MB", "16.7 MB", "100 MB").
func (s Size) HumanString() string {
	var (
		n       = uint64(s)
		divisor = uint64(1)
		unit    int
	)

	for unit < len(decimalUnits)-1 && n/divisor >= 1000 {
		divisor *= 1000
		unit++
	}

	buf := make([]byte, 0, 16)
	whole := n / divisor
	buf = strconv.AppendUint(buf, whole, 10)

	if unit != 0 {
		var decimals int
		switch {
		case whole < 10:
			decimals = 2
		case whole < 100:
			decimals = 1
		}

		if decimals != 0 {
			frac := n % divisor
			for i := 0; i < decimals; i++ {
				divisor /= 10
			}
			buf = append(buf, '.')
			digits := frac / divisor
			if decimals == 2 && digits < 10 {
				buf = append(buf, '0')
			}
			buf = strconv.AppendUint(buf, digits, 10)
		}
	}

	buf = append(buf, ' ')
	buf = append(buf, decimalUnits[unit]...)
	return string(buf)
}

// Pages returns the number of pageSize-sized pages required to hold s bytes.
func (s Size) Pages(pageSize Size) uint64 {
	return uint64((s + pageSize - 1) / pageSize)
}
