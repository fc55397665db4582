package audit

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrClockNotSynced = errors.New("clock not synchronized")

// Storage is the durable side of the trail.
type Storage interface {
	Append(path string, p []byte) error
	Read(path string) ([]byte, error)
}

// Clock resolves calendar time. A non-nil error means the returned time is
// best effort only.
type Clock interface {
	Now() (time.Time, error)
}

// SystemClock reads the wall clock and reports it as unsynchronized while it
// is still before NotBefore.
type SystemClock struct {
	Location  *time.Location
	NotBefore time.Time
}

var defaultNotBefore = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

func (c SystemClock) Now() (time.Time, error) {
	now := time.Now()
	if c.Location != nil {
		now = now.In(c.Location)
	}
	notBefore := c.NotBefore
	if notBefore.IsZero() {
		notBefore = defaultNotBefore
	}
	if now.Before(notBefore) {
		return now, ErrClockNotSynced
	}
	return now, nil
}

// Recorder appends typed records to the trail. Append never fails towards
// the caller: storage and clock problems are logged and swallowed.
type Recorder struct {
	mu        sync.Mutex
	storage   Storage
	clock     Clock
	path      string
	log       *logrus.Entry
	observers []func(Record)
}

func NewRecorder(storage Storage, clock Clock, path string, log *logrus.Logger) *Recorder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Recorder{
		storage: storage,
		clock:   clock,
		path:    path,
		log:     log.WithFields(logrus.Fields{"component": "audit", "path": path}),
	}
}

// OnRecord registers fn to be called with every record that reached storage.
func (r *Recorder) OnRecord(fn func(Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Init writes the header line when the trail is empty. An existing trail is
// left untouched.
func (r *Recorder) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.storage.Read(r.path)
	if err != nil {
		r.log.Warnf("couldn't read trail: %v", err)
		return
	}
	if len(data) > 0 {
		return
	}
	if err := r.storage.Append(r.path, []byte(Header)); err != nil {
		r.log.Warnf("couldn't write trail header: %v", err)
	}
}

func (r *Recorder) Append(kind Kind, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now, err := r.clock.Now()
	if err != nil {
		r.log.Warnf("time not available, recording %v with best-effort timestamp: %v", kind, err)
	}
	rec := Record{Kind: kind, Timestamp: now, Code: code}
	if err := r.storage.Append(r.path, []byte(rec.Line())); err != nil {
		r.log.WithField("kind", kind.String()).Warnf("couldn't append record: %v", err)
		return
	}
	r.log.WithFields(logrus.Fields{"kind": kind.String(), "code": code}).Info("record appended")
	for _, fn := range r.observers {
		fn(rec)
	}
}

// Records reads the trail back in append order, skipping the header.
func (r *Recorder) Records() ([]Record, error) {
	r.mu.Lock()
	data, err := r.storage.Read(r.path)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || line+"\n" == Header {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			r.log.Warnf("skipping malformed line %q: %v", line, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
