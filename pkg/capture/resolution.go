package capture

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrNoResolution is returned by [SelectResolution] when no available size
// satisfies the minimum.
var ErrNoResolution = errors.New("capture: no resolution satisfies the minimum")

// Resolution is a capture size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// Area returns Width*Height.
func (r Resolution) Area() int { return r.Width * r.Height }

// String formats the resolution as "WxH".
func (r Resolution) String() string {
	return strconv.Itoa(r.Width) + "x" + strconv.Itoa(r.Height)
}

// ParseResolution parses "WxH".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("capture: resolution %q: want WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("capture: resolution %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("capture: resolution %q: %w", s, err)
	}
	return Resolution{Width: width, Height: height}, nil
}

// SelectResolution picks the smallest-area resolution whose width and height
// both reach minimum. Ties in area keep the order of available. Returns
// [ErrNoResolution] when none qualifies.
func SelectResolution(available []Resolution, minimum Resolution) (Resolution, error) {
	sorted := slices.Clone(available)
	slices.SortStableFunc(sorted, func(a, b Resolution) int {
		return cmp.Compare(a.Area(), b.Area())
	})
	for _, r := range sorted {
		if r.Width >= minimum.Width && r.Height >= minimum.Height {
			return r, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: need at least %s among %v", ErrNoResolution, minimum, available)
}
