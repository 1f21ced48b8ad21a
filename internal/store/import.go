package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"leafbot/internal/recurrence"
	logx "leafbot/pkg/logx"
)

// ImportOptions tunes ImportCSV.
type ImportOptions struct {
	// RollForward moves elapsed recurring rows to their next occurrence
	// instead of dropping them.
	RollForward bool
	Now         time.Time
	Calc        recurrence.Calculator
}

// ImportReport summarizes an import.
type ImportReport struct {
	Added            int
	SkippedInvalid   int
	SkippedElapsed   int
	SkippedOverLimit int
}

// ImportCSV bulk-loads tasks from a CSV stream.
//
// The first row must be a header naming at least time, sender, name and
// info columns (id and frequency are optional). Rows failing validation
// are skipped and counted; rows beyond the plan ceiling are skipped and
// counted. The store itself is never left partially indexed.
func (s *Store) ImportCSV(r io.Reader, opts ImportOptions) (ImportReport, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return ImportReport{}, fmt.Errorf("read import header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return ImportReport{}, err
	}

	var rep ImportReport
	overLimit := false
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.log.Warn("unreadable import row", logx.Int("line", line), logx.Err(err))
			rep.SkippedInvalid++
			continue
		}

		rec := cols.record(row)
		t, err := recordToTask(rec)
		if err != nil {
			s.log.Warn("invalid import row", logx.Int("line", line), logx.Err(err))
			rep.SkippedInvalid++
			continue
		}

		if !t.Time.After(opts.Now) {
			next, ok := time.Time{}, false
			if opts.RollForward && !t.Frequency.IsOnce() {
				next, ok = opts.Calc.Next(t.Time, t.Frequency, opts.Now)
			}
			if !ok {
				rep.SkippedElapsed++
				continue
			}
			t.Time = next
		}

		if overLimit {
			rep.SkippedOverLimit++
			continue
		}
		if _, err := s.Add(t); err != nil {
			if errors.Is(err, ErrLimitReached) {
				overLimit = true
				rep.SkippedOverLimit++
				continue
			}
			rep.SkippedInvalid++
			continue
		}
		rep.Added++
	}

	if rep.Added > 0 {
		s.RequestSave()
	}
	s.log.Info("import finished",
		logx.Int("added", rep.Added),
		logx.Int("invalid", rep.SkippedInvalid),
		logx.Int("elapsed", rep.SkippedElapsed),
		logx.Int("over_limit", rep.SkippedOverLimit))
	return rep, nil
}

type columnMap struct {
	id, time, sender, name, info, freq int
}

func mapColumns(header []string) (columnMap, error) {
	m := columnMap{id: -1, time: -1, sender: -1, name: -1, info: -1, freq: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "id":
			m.id = i
		case "time":
			m.time = i
		case "sender":
			m.sender = i
		case "name", "receiver":
			m.name = i
		case "info", "content":
			m.info = i
		case "frequency":
			m.freq = i
		}
	}
	if m.time < 0 || m.sender < 0 || m.name < 0 || m.info < 0 {
		return m, fmt.Errorf("import header must name time, sender, name and info columns")
	}
	return m, nil
}

func (m columnMap) record(row []string) taskRecord {
	get := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	return taskRecord{
		ID:        get(m.id),
		Time:      get(m.time),
		Sender:    get(m.sender),
		Name:      get(m.name),
		Info:      get(m.info),
		Frequency: get(m.freq),
	}
}
