package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/sweeney/valve-controller/internal/logic"
)

// ErrMalformedWindow is wrapped by every per-entry schedule rejection.
var ErrMalformedWindow = errors.New("malformed schedule window")

// startLayouts are tried in order when parsing a window start.
var startLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

type windowEntry struct {
	Start    any      `mapstructure:"start"`
	Period   *float64 `mapstructure:"period"`
	Duration *float64 `mapstructure:"duration"`
}

// ParseSchedule decodes schedule entries one by one. Entries that fail to
// decode or validate are returned as errors; the rest form the set.
func ParseSchedule(entries []any) (logic.ScheduleSet, []error) {
	set := make(logic.ScheduleSet, 0, len(entries))
	var rejected []error
	for i, raw := range entries {
		w, err := parseWindow(raw)
		if err != nil {
			rejected = append(rejected, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		set = append(set, w)
	}
	return set, rejected
}

// ParseSchedulePayload parses a set-schedule request body. An empty body or
// JSON null yields an empty set. A body that is not a JSON array is an
// error and nothing is parsed.
func ParseSchedulePayload(payload []byte) (logic.ScheduleSet, []error, error) {
	if len(payload) == 0 {
		return logic.ScheduleSet{}, nil, nil
	}
	var entries []any
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, nil, fmt.Errorf("%w: decode schedule: %v", ErrMalformedRequest, err)
	}
	set, rejected := ParseSchedule(entries)
	return set, rejected, nil
}

func parseWindow(raw any) (logic.ScheduleWindow, error) {
	var entry windowEntry
	switch v := raw.(type) {
	case map[string]any, map[any]any:
		if err := mapstructure.Decode(v, &entry); err != nil {
			return logic.ScheduleWindow{}, fmt.Errorf("%w: %v", ErrMalformedWindow, err)
		}
	default:
		return logic.ScheduleWindow{}, fmt.Errorf("%w: not an object (%T)", ErrMalformedWindow, raw)
	}

	if entry.Start == nil {
		return logic.ScheduleWindow{}, fmt.Errorf("%w: missing start", ErrMalformedWindow)
	}
	if entry.Period == nil {
		return logic.ScheduleWindow{}, fmt.Errorf("%w: missing period", ErrMalformedWindow)
	}
	if entry.Duration == nil {
		return logic.ScheduleWindow{}, fmt.Errorf("%w: missing duration", ErrMalformedWindow)
	}

	start, err := parseStart(entry.Start)
	if err != nil {
		return logic.ScheduleWindow{}, err
	}
	w, err := logic.NewScheduleWindow(start, seconds(*entry.Period), seconds(*entry.Duration))
	if err != nil {
		return logic.ScheduleWindow{}, fmt.Errorf("%w: %w", ErrMalformedWindow, err)
	}
	return w, nil
}

func parseStart(v any) (time.Time, error) {
	switch s := v.(type) {
	case time.Time:
		return s.UTC(), nil
	case string:
		for _, layout := range startLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: bad start %q", ErrMalformedWindow, s)
	default:
		return time.Time{}, fmt.Errorf("%w: start is %T, want timestamp", ErrMalformedWindow, v)
	}
}

func seconds(s float64) time.Duration {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return -1
	}
	return time.Duration(s * float64(time.Second))
}
