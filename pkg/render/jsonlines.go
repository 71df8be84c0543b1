package render

import (
	"encoding/json"
	"io"
	"sync"

	"findprovs/pkg/lookup"
)

var _ lookup.EventSink = &JSONLines{}

// JSONLines writes every event as one JSON object per line.
type JSONLines struct {
	mx    sync.Mutex
	enc   *json.Encoder
	flush func()
	err   error
}

// NewJSONLines writes to w. flush, when not nil, is called after every line.
func NewJSONLines(w io.Writer, flush func()) *JSONLines {
	return &JSONLines{
		enc:   json.NewEncoder(w),
		flush: flush,
	}
}

func (j *JSONLines) Consume(ev lookup.Event) {
	j.Write(NewEventRecord(ev))
}

// Write encodes v as a line. After the first failed write nothing is written.
func (j *JSONLines) Write(v any) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.err != nil {
		return
	}
	if err := j.enc.Encode(v); err != nil {
		j.err = err
		return
	}
	if j.flush != nil {
		j.flush()
	}
}

// Err returns the first write error.
func (j *JSONLines) Err() error {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.err
}
