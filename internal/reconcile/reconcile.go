// Package reconcile merges recognition results into a single, monotonically
// growing note.
//
// Finals are committed to a [NoteBuffer] in arrival order, separated by a
// single space. Partials never touch the buffer; they only update a live
// preview. A final is identified by its sequence number, so a re-delivered
// final is committed at most once.
package reconcile

import (
	"strings"
	"sync"

	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// NoteBuffer is an append-only text sink owned by the surrounding form.
// The reconciler never reads back or rewrites content it did not append.
type NoteBuffer interface {
	Append(text string)
}

// sized is implemented by sinks that can report their current length. When
// available it decides whether a separator is needed, so that text already
// typed into the form is not glued to the first dictated word.
type sized interface {
	Len() int
}

// Buffer is an in-memory [NoteBuffer]. It is safe for concurrent use.
type Buffer struct {
	mu sync.Mutex
	b  strings.Builder
}

// NewBuffer returns a Buffer pre-filled with initial.
func NewBuffer(initial string) *Buffer {
	buf := &Buffer{}
	buf.b.WriteString(initial)
	return buf
}

// Append implements [NoteBuffer].
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b.WriteString(text)
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Len()
}

// String returns the buffer contents.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

var (
	_ NoteBuffer = (*Buffer)(nil)
	_ sized      = (*Buffer)(nil)
)

// Reconciler applies events from one connection to a sink. Events must be
// applied in the order the service emitted them.
type Reconciler struct {
	sink NoteBuffer

	mu         sync.Mutex
	committed  bool   // at least one final has been seen
	high       uint64 // highest committed final Seq
	wrote      bool   // text has been appended by this reconciler
	preview    string
	transcript strings.Builder
}

// New returns a Reconciler appending to sink.
func New(sink NoteBuffer) *Reconciler {
	return &Reconciler{sink: sink}
}

// Apply processes one event. For a newly committed final it returns the exact
// text appended to the sink, separator included, and ok=true. Partials,
// duplicates and blank finals return ok=false.
func (r *Reconciler) Apply(ev transcribe.Event) (appended string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed && ev.Seq <= r.high {
		return "", false
	}

	text := strings.TrimSpace(ev.Text)
	if !ev.IsFinal {
		r.preview = text
		return "", false
	}

	r.committed = true
	r.high = ev.Seq
	r.preview = ""
	if text == "" {
		return "", false
	}

	if r.needsSeparator() {
		appended = " " + text
	} else {
		appended = text
	}
	r.sink.Append(appended)
	r.wrote = true
	if r.transcript.Len() > 0 {
		r.transcript.WriteByte(' ')
	}
	r.transcript.WriteString(text)
	return appended, true
}

// Preview returns the latest partial text not yet committed.
func (r *Reconciler) Preview() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preview
}

// Transcript returns the finals committed by this reconciler, space
// separated, without any text the sink held beforehand.
func (r *Reconciler) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

func (r *Reconciler) needsSeparator() bool {
	if s, ok := r.sink.(sized); ok {
		return s.Len() > 0
	}
	return r.wrote
}
