package frames

// Assign returns the initial frames for clip index: clip i starts on
// candidate i and ends on the next one, wrapping around the list. With a
// single candidate the clip has no end frame unless singleFrame allows
// interpolating the frame with itself.
func Assign(index int, candidates []string, singleFrame bool) (start, end string) {
	n := len(candidates)
	if n == 0 || index < 0 {
		return "", ""
	}
	start = candidates[index%n]
	switch {
	case n > 1:
		end = candidates[(index+1)%n]
	case singleFrame:
		end = start
	}
	return start, end
}
