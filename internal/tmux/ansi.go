package tmux

import "strings"

// StripANSI removes ANSI escape sequences from captured pane text in a
// single pass: CSI sequences (ESC [ ... final byte), OSC sequences
// (ESC ] ... BEL or ESC \), and bare two-byte escapes.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		if c != 0x1b {
			b.WriteByte(c)
			i++
			continue
		}

		if i+1 >= len(s) {
			break
		}
		switch s[i+1] {
		case '[': // CSI: parameters then a final byte in @-~
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			if j < len(s) {
				j++
			}
			i = j
		case ']': // OSC: terminated by BEL or ST (ESC \)
			j := i + 2
			for j < len(s) {
				if s[j] == 0x07 {
					j++
					break
				}
				if s[j] == 0x1b && j+1 < len(s) && s[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			i = j
		default: // two-byte escape
			i += 2
		}
	}
	return b.String()
}
