package raid

import "sync"

// Workspace holds the shared edit payload of an active raid.
type Workspace interface {
	// Reset discards local edits and starts over from challenge.
	Reset(challenge string)
	Edit(text string)
	Text() string
}

// LastWriteWorkspace keeps whatever was written last. Concurrent editors are not merged.
type LastWriteWorkspace struct {
	mu   sync.Mutex
	text string
}

func NewLastWriteWorkspace() *LastWriteWorkspace {
	return &LastWriteWorkspace{}
}

func (w *LastWriteWorkspace) Reset(challenge string) {
	w.mu.Lock()
	w.text = challenge
	w.mu.Unlock()
}

func (w *LastWriteWorkspace) Edit(text string) {
	w.mu.Lock()
	w.text = text
	w.mu.Unlock()
}

func (w *LastWriteWorkspace) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text
}
