// Package sequence cuts feature frames into fixed-length inference windows.
package sequence

import (
	"errors"
	"fmt"

	"github.com/AsobaCloud/platform-edge/internal/features"
	"github.com/AsobaCloud/platform-edge/internal/observability"
)

var (
	// ErrInsufficientData reports fewer rows than one window needs.
	ErrInsufficientData = errors.New("insufficient data for sequence creation")
	// ErrNoValidSequences reports that every candidate window contained a
	// missing value. The fill pass upstream should make this impossible, so
	// an occurrence points at a pipeline defect.
	ErrNoValidSequences = errors.New("no valid sequences created")
)

// Window makes every stride-1 window of length over the frame restricted to
// cols. Windows are ordered oldest-ending first; a window containing a
// missing cell is discarded, not an error.
func Window(f *features.Frame, cols []string, length int) ([][][]float64, error) {
	if length <= 0 {
		return nil, fmt.Errorf("window length %d: %w", length, ErrInsufficientData)
	}
	n := f.Len()
	if n < length {
		return nil, fmt.Errorf("%w: %d rows < %d", ErrInsufficientData, n, length)
	}

	windows := make([][][]float64, 0, n-length+1)
	discarded := 0
	for end := length; end <= n; end++ {
		win := make([][]float64, 0, length)
		valid := true
		for i := end - length; i < end; i++ {
			row, ok := f.Row(i, cols)
			if !ok {
				valid = false
				break
			}
			win = append(win, row)
		}
		if !valid {
			discarded++
			continue
		}
		windows = append(windows, win)
	}
	if discarded > 0 {
		observability.AddDiscardedWindows(discarded)
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: %d candidates discarded", ErrNoValidSequences, discarded)
	}
	return windows, nil
}
