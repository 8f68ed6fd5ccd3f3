package route

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rescale/rest-dispatch/internal/constants"
)

// Snowflake describes how a 64-bit identifier embeds its creation time:
// the bits above Shift hold milliseconds since Epoch.
type Snowflake struct {
	// Epoch is the identifier epoch in unix milliseconds
	Epoch int64
	// Shift is the number of low bits that carry worker, process and sequence
	Shift uint
}

// DefaultSnowflake returns the layout used by the remote API.
func DefaultSnowflake() Snowflake {
	return Snowflake{
		Epoch: constants.DefaultSnowflakeEpoch,
		Shift: constants.DefaultSnowflakeShift,
	}
}

// Timestamp decodes the creation time embedded in id.
func (s Snowflake) Timestamp(id string) (time.Time, error) {
	raw, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snowflake %q: %w", id, err)
	}
	ms := int64(raw>>s.Shift) + s.Epoch
	return time.UnixMilli(ms), nil
}

// Generate builds an identifier for the given time with zeroed low bits.
// Tests use it to produce message ids of a chosen age.
func (s Snowflake) Generate(t time.Time) string {
	ms := t.UnixMilli() - s.Epoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatUint(uint64(ms)<<s.Shift, 10)
}
