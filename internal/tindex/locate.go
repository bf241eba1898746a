package tindex

import (
	"errors"
	"fmt"
)

var ErrSearchInconsistent = errors.New("index search did not converge")

// Outcome is a judge's verdict on one search window.
type Outcome int

const (
	Current Outcome = iota // target belongs to the record at mid
	Next                   // target belongs to the successor
	Left                   // search the lower half
	Right                  // search the upper half
)

func (o Outcome) String() string {
	switch o {
	case Current:
		return "current"
	case Next:
		return "next"
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Judge compares target t against the window formed by cur and its
// successor. next is nil when cur is the last record.
type Judge func(t uint32, cur Record, next *Record) Outcome

// JudgeStart finds the earliest record that contains t or starts after it.
// On a boundary shared by two adjacent records the later one wins.
func JudgeStart(t uint32, cur Record, next *Record) Outcome {
	switch {
	case t < cur.Start:
		return Left
	case next == nil:
		return Current
	case t == next.Start:
		return Next
	case t > next.Start:
		return Right
	case t > cur.End:
		// gap between cur and next
		return Next
	}
	return Current
}

// JudgeEnd finds the latest record that contains t or ends before it. It
// differs from JudgeStart only inside a gap, where it keeps cur.
func JudgeEnd(t uint32, cur Record, next *Record) Outcome {
	switch {
	case t < cur.Start:
		return Left
	case next == nil:
		return Current
	case t == next.Start:
		return Next
	case t > next.Start:
		return Right
	}
	return Current
}

// Locate binary searches record positions and returns the byte offset of
// the matching record. Targets outside the logged span clamp to the first or
// last record.
func (v *View) Locate(t uint32, judge Judge) (int64, error) {
	recLen, count, err := v.Layout()
	if err != nil {
		return 0, err
	}

	low, high, mid := 0, count-1, 0
	for low <= high {
		mid = low + (high-low)/2
		cur, err := v.ReadRecordAt(int64(mid * recLen))
		if err != nil {
			return 0, err
		}
		var next *Record
		if mid+1 < count {
			n, err := v.ReadRecordAt(int64((mid + 1) * recLen))
			if err != nil {
				return 0, err
			}
			next = &n
		}

		switch judge(t, cur, next) {
		case Current:
			return int64(mid * recLen), nil
		case Next:
			return int64((mid + 1) * recLen), nil
		case Left:
			high = mid - 1
		case Right:
			low = mid + 1
		}
	}

	if mid == 0 || mid == count-1 {
		return int64(mid * recLen), nil
	}
	return 0, fmt.Errorf("%w: t=%d stopped at position %d of %d", ErrSearchInconsistent, t, mid, count)
}

// Range is the located span of records for one time query.
type Range struct {
	StartOffset int64
	EndOffset   int64
	RecordLen   int
	// Count is zero when the query falls entirely between two records.
	Count int
	// Base is the log's logical base when the range was taken.
	Base uint64
}

// StartPos is the position of the first record in the range.
func (r Range) StartPos() int {
	return int(r.StartOffset / int64(r.RecordLen))
}

// StartIndex is the logical index of the first record, stable across
// compactions.
func (r Range) StartIndex() uint64 {
	return r.Base + uint64(r.StartPos())
}

// LocateRange resolves [start, end] to the records that cover it.
func (v *View) LocateRange(start, end uint32) (Range, error) {
	if end < start {
		return Range{}, fmt.Errorf("%w: query %d-%d", ErrInvalidRange, start, end)
	}
	startOff, err := v.Locate(start, JudgeStart)
	if err != nil {
		return Range{}, fmt.Errorf("locate start: %w", err)
	}
	endOff, err := v.Locate(end, JudgeEnd)
	if err != nil {
		return Range{}, fmt.Errorf("locate end: %w", err)
	}
	recLen, _, err := v.Layout()
	if err != nil {
		return Range{}, err
	}

	r := Range{StartOffset: startOff, EndOffset: endOff, RecordLen: recLen, Base: v.log.base}
	if endOff >= startOff {
		r.Count = int((endOff-startOff)/int64(recLen)) + 1
	}
	return r, nil
}

// Span returns the oldest and newest records in the log.
func (v *View) Span() (first, last Record, err error) {
	recLen, count, err := v.Layout()
	if err != nil {
		return Record{}, Record{}, err
	}
	if first, err = v.ReadRecordAt(0); err != nil {
		return Record{}, Record{}, err
	}
	if last, err = v.ReadRecordAt(int64((count - 1) * recLen)); err != nil {
		return Record{}, Record{}, err
	}
	return first, last, nil
}

// Locate is View.Locate under the log mutex.
func (l *Log) Locate(t uint32, judge Judge) (off int64, err error) {
	err = l.View(func(v *View) error {
		off, err = v.Locate(t, judge)
		return err
	})
	return off, err
}

// LocateRange is View.LocateRange under the log mutex.
func (l *Log) LocateRange(start, end uint32) (r Range, err error) {
	err = l.View(func(v *View) error {
		r, err = v.LocateRange(start, end)
		return err
	})
	return r, err
}

// Span is View.Span under the log mutex.
func (l *Log) Span() (first, last Record, err error) {
	err = l.View(func(v *View) error {
		first, last, err = v.Span()
		return err
	})
	return first, last, err
}
