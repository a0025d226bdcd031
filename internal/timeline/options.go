package timeline

import (
	"fmt"
	"time"
)

// Mode selects the strategy applied to each connected component.
type Mode string

const (
	ModeSimple   Mode = "simple"
	ModePriority Mode = "priority"
	ModePrecise  Mode = "precise"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSimple, ModePriority, ModePrecise:
		return Mode(s), nil
	case "":
		return ModeSimple, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, s)
}

// Axis tells the engine how to interpret positions.
type Axis string

const (
	// AxisInteger positions are plain integers.
	AxisInteger Axis = "int"
	// AxisTime positions are Unix nanoseconds.
	AxisTime Axis = "datetime"
)

// ParseAxis validates an axis name.
func ParseAxis(s string) (Axis, error) {
	switch Axis(s) {
	case AxisInteger, AxisTime:
		return Axis(s), nil
	case "":
		return AxisTime, nil
	}
	return "", fmt.Errorf("%w: unknown axis %q", ErrInvalidOptions, s)
}

// Resolution is the epsilon used to turn exclusive cell bounds into inclusive
// ones so that adjacent cells never share a boundary point.
type Resolution string

const (
	ResolutionDay    Resolution = "day"
	ResolutionHour   Resolution = "hour"
	ResolutionMinute Resolution = "minute"
	ResolutionSecond Resolution = "second"
	ResolutionNone   Resolution = "none"
)

// ParseResolution validates a resolution name. Empty means minute.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionDay, ResolutionHour, ResolutionMinute, ResolutionSecond, ResolutionNone:
		return Resolution(s), nil
	case "":
		return ResolutionMinute, nil
	}
	return "", fmt.Errorf("%w: resolution must be day, hour, minute, second or none, got %q", ErrInvalidOptions, s)
}

// Epsilon returns the resolution step in axis units. The integer axis always
// uses 1 unless the resolution is none.
func (r Resolution) Epsilon(axis Axis) int64 {
	if r == ResolutionNone {
		return 0
	}
	if axis == AxisInteger {
		return 1
	}
	switch r {
	case ResolutionDay:
		return int64(24 * time.Hour)
	case ResolutionHour:
		return int64(time.Hour)
	case ResolutionSecond:
		return int64(time.Second)
	default:
		return int64(time.Minute)
	}
}

// DefaultPriorityField is the payload field read for priorities.
const DefaultPriorityField = "priority"

// DefaultPriority applies to intervals without a declared priority.
const DefaultPriority = 1.0

// Options configures one engine invocation.
type Options struct {
	Mode Mode
	Axis Axis

	// GapTolerance pads every end before testing overlap. Zero means only
	// touching or overlapping intervals connect.
	GapTolerance int64

	// Granularity is the step at which priority ownership can change. Zero
	// selects one minute on the time axis and 1 on the integer axis.
	Granularity int64
	// Discretize switches the priority partitioner to the tick-based
	// fallback instead of the exact sweep.
	Discretize bool
	// MaxLen caps an interval's effective end at Start+MaxLen for the
	// priority partitioner. Zero disables the cap.
	MaxLen        int64
	PriorityField string

	Resolution Resolution
	// Snap floors starts and ceils ends to whole units of this resolution
	// before grouping. Empty or none disables it; it needs the datetime axis.
	Snap Resolution
	// ConnectivityOnly makes precise mode emit one summary per component
	// instead of elementary cells.
	ConnectivityOnly bool
	// KeepIntersections returns the pairwise overlap table in precise mode.
	KeepIntersections bool

	Reducers map[string]Reducer
}

// DefaultOptions returns options for simple consolidation of timestamps.
func DefaultOptions() Options {
	return Options{
		Mode:          ModeSimple,
		Axis:          AxisTime,
		PriorityField: DefaultPriorityField,
		Resolution:    ResolutionMinute,
	}
}

// Validate checks option ranges and fills defaults in place.
func (o *Options) Validate() error {
	if o.Mode == "" {
		o.Mode = ModeSimple
	}
	if _, err := ParseMode(string(o.Mode)); err != nil {
		return err
	}
	if o.Axis == "" {
		o.Axis = AxisTime
	}
	if _, err := ParseAxis(string(o.Axis)); err != nil {
		return err
	}
	if o.Resolution == "" {
		o.Resolution = ResolutionMinute
	}
	if _, err := ParseResolution(string(o.Resolution)); err != nil {
		return err
	}
	if o.Snap == "" {
		o.Snap = ResolutionNone
	}
	if _, err := ParseResolution(string(o.Snap)); err != nil {
		return err
	}
	if o.Snap != ResolutionNone && o.Axis != AxisTime {
		return fmt.Errorf("%w: snapping needs the datetime axis", ErrInvalidOptions)
	}
	if o.GapTolerance < 0 {
		return fmt.Errorf("%w: gap tolerance must not be negative", ErrInvalidOptions)
	}
	if o.MaxLen < 0 {
		return fmt.Errorf("%w: max length must not be negative", ErrInvalidOptions)
	}
	if o.Granularity < 0 {
		return fmt.Errorf("%w: granularity must not be negative", ErrInvalidOptions)
	}
	if o.Granularity == 0 {
		o.Granularity = 1
		if o.Axis == AxisTime {
			o.Granularity = int64(time.Minute)
		}
	}
	if o.PriorityField == "" {
		o.PriorityField = DefaultPriorityField
	}
	return nil
}
