package detector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/position"
)

// RunID identifies one detector session lifetime. Suffix is non-zero when the
// run number was already taken in the output root.
type RunID struct {
	Num    int
	Suffix int
}

func (r RunID) String() string {
	if r.Suffix == 0 {
		return strconv.Itoa(r.Num)
	}
	return fmt.Sprintf("%d-%d", r.Num, r.Suffix)
}

func (r RunID) IsZero() bool {
	return r.Num == 0
}

// DirName is the directory holding the output of the run
func (r RunID) DirName() string {
	return "run_" + r.String()
}

// ParseRunID reverses RunID.String
func ParseRunID(s string) (RunID, error) {
	num, suffix, found := strings.Cut(s, "-")

	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return RunID{}, fmt.Errorf("invalid run id %q", s)
	}

	id := RunID{Num: n}
	if found {
		if id.Suffix, err = strconv.Atoi(suffix); err != nil || id.Suffix <= 0 {
			return RunID{}, fmt.Errorf("invalid run id suffix %q", s)
		}
	}

	return id, nil
}

// Ping is a raw detection as emitted by a detector session
type Ping struct {
	Time      time.Time
	Frequency int64
	Amplitude float64
	SNR       float64
}

// Record is a detection normalised for the recorder and the link.
// A nil Position marks a detection without a valid fix.
type Record struct {
	Run       RunID
	Time      time.Time
	Frequency int64
	Amplitude float64
	SNR       float64
	Position  *position.Projected
}
