package bridge

// History is the operator's command history with a browse cursor. Entries are
// never mutated; recall only moves the cursor.
type History struct {
	entries []string
	cursor  int // -1 when not browsing
}

func NewHistory() *History {
	return &History{cursor: -1}
}

// Add appends a submitted command and stops browsing.
func (h *History) Add(cmd string) {
	h.entries = append(h.entries, cmd)
	h.cursor = -1
}

// Previous steps back toward the oldest entry and returns it. Stepping past
// the oldest entry stays on it. ok is false when history is empty.
func (h *History) Previous() (string, bool) {
	if len(h.entries) == 0 {
		return "", false
	}
	switch {
	case h.cursor == -1:
		h.cursor = len(h.entries) - 1
	case h.cursor > 0:
		h.cursor--
	}
	return h.entries[h.cursor], true
}

// Next steps toward the newest entry. Stepping past the newest entry, or
// calling Next while not browsing, returns "" so the input is cleared.
func (h *History) Next() string {
	if h.cursor == -1 {
		return ""
	}
	if h.cursor < len(h.entries)-1 {
		h.cursor++
		return h.entries[h.cursor]
	}
	h.cursor = -1
	return ""
}

// Browsing reports whether the cursor is on an entry.
func (h *History) Browsing() bool { return h.cursor != -1 }

// Entries returns a copy of the history, oldest first.
func (h *History) Entries() []string {
	return append([]string(nil), h.entries...)
}
