// Package provenance keeps the ledger of released packages. Each
// successful build appends one line:
//
//	vMAJOR.MINOR.DOT.BUILD,timestamp,package_id,lineage_id,target
//
// Lines are never rewritten. Future builds consult the ledger to decide
// whether a package id can be reused.
package provenance

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Timestamps written by older tooling, eg: 2019-03-02 16:21:07.123456
var legacyTimeLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
}

type Record struct {
	Version   string
	Timestamp time.Time
	PackageID string
	LineageID string
	Target    string
}

// String formats the record as a ledger line, without the newline.
func (r Record) String() string {
	return strings.Join([]string{
		r.Version,
		r.Timestamp.Format(time.RFC3339),
		r.PackageID,
		r.LineageID,
		r.Target,
	}, ",")
}

func (r Record) validate() error {
	for name, field := range map[string]string{
		"version":    r.Version,
		"package id": r.PackageID,
		"lineage id": r.LineageID,
	} {
		if field == "" {
			return errors.Errorf("record is missing %s", name)
		}
		if strings.ContainsAny(field, ",\r\n") {
			return errors.Errorf("%s %q contains a separator", name, field)
		}
	}

	if strings.ContainsAny(r.Target, "\r\n") {
		return errors.Errorf("target %q contains a newline", r.Target)
	}

	if r.Timestamp.IsZero() {
		return errors.New("record is missing a timestamp")
	}

	return nil
}

// ParseRecord parses one ledger line. The target is the remainder of the
// line, so targets written with a comma (VC14,x64) still parse.
func ParseRecord(line string) (Record, error) {
	fields := strings.SplitN(strings.TrimSpace(line), ",", 5)
	if len(fields) != 5 {
		return Record{}, errors.Errorf("expected 5 fields, got %d", len(fields))
	}

	ts, err := parseTime(fields[1])
	if err != nil {
		return Record{}, err
	}

	return Record{
		Version:   fields[0],
		Timestamp: ts,
		PackageID: fields[2],
		LineageID: fields[3],
		Target:    fields[4],
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	for _, layout := range legacyTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Errorf("unparseable timestamp %q", s)
}

// Ledger is an append only file of records.
type Ledger struct {
	path string
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) Path() string {
	return l.path
}

// Append adds r as a single line. The line goes out in one write on an
// O_APPEND handle, so it lands whole or not at all. A ledger whose last
// line is unterminated gets the missing newline in that same write.
func (l *Ledger) Append(r Record) error {
	if err := r.validate(); err != nil {
		return errors.Wrap(err, "invalid record")
	}

	fh, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening ledger %s", l.path)
	}

	terminated, err := endsWithNewline(fh)
	if err != nil {
		fh.Close()
		return errors.Wrapf(err, "reading ledger %s", l.path)
	}

	line := []byte(r.String() + "\n")
	if !terminated {
		line = append([]byte("\n"), line...)
	}
	n, err := fh.Write(line)
	if err != nil {
		fh.Close()
		return errors.Wrapf(err, "appending to ledger %s", l.path)
	}
	if n != len(line) {
		fh.Close()
		return errors.Errorf("short write to ledger %s: %d of %d bytes", l.path, n, len(line))
	}

	return errors.Wrapf(fh.Close(), "closing ledger %s", l.path)
}

func endsWithNewline(fh *os.File) (bool, error) {
	fi, err := fh.Stat()
	if err != nil {
		return false, err
	}
	if fi.Size() == 0 {
		return true, nil
	}

	last := make([]byte, 1)
	if _, err := fh.ReadAt(last, fi.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// Records returns every record in the ledger, oldest first. A missing
// ledger has no records.
func (l *Ledger) Records() ([]Record, error) {
	fh, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening ledger %s", l.path)
	}
	defer fh.Close()

	var records []Record
	scanner := bufio.NewScanner(fh)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, err := ParseRecord(line)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", l.path, lineNo)
		}
		records = append(records, r)
	}

	return records, errors.Wrapf(scanner.Err(), "reading ledger %s", l.path)
}

// Find returns the newest record for version and target.
func (l *Ledger) Find(version, target string) (Record, bool, error) {
	records, err := l.Records()
	if err != nil {
		return Record{}, false, err
	}

	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Version == version && records[i].Target == target {
			return records[i], true, nil
		}
	}

	return Record{}, false, nil
}
