// Package msidbtest is a file backed stand-in for an installer database,
// for tests that can't rely on the windows installer API. The fake wix
// tools in wixtest write packages in this format.
package msidbtest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/agilityrecordbook/installer/pkg/packagekit/msidb"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Storage struct {
	Name string
	Data string
}

// Database is the whole content of a fake package. Storages keep their
// insertion order.
type Database struct {
	Properties map[string]string
	Storages   []Storage
}

func New() *Database {
	return &Database{Properties: make(map[string]string)}
}

func Load(path string) (*Database, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	db := New()
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, errors.Errorf("malformed line %q in %s", line, path)
		}
		value, err := strconv.Unquote(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "unquoting %q", fields[2])
		}
		switch fields[0] {
		case "P":
			db.Properties[fields[1]] = value
		case "S":
			db.Storages = append(db.Storages, Storage{Name: fields[1], Data: value})
		default:
			return nil, errors.Errorf("unknown record type %q in %s", fields[0], path)
		}
	}

	return db, errors.Wrap(scanner.Err(), "scanning")
}

func (db *Database) Save(path string) error {
	var buf bytes.Buffer
	for _, k := range sortedKeys(db.Properties) {
		fmt.Fprintf(&buf, "P %s %s\n", k, strconv.Quote(db.Properties[k]))
	}
	for _, s := range db.Storages {
		fmt.Fprintf(&buf, "S %s %s\n", s.Name, strconv.Quote(s.Data))
	}
	return errors.Wrapf(os.WriteFile(path, buf.Bytes(), 0644), "writing %s", path)
}

// StorageNames returns the sub-storage names in insertion order.
func (db *Database) StorageNames() []string {
	names := make([]string, len(db.Storages))
	for i, s := range db.Storages {
		names[i] = s.Name
	}
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

type editor struct {
	path string
	mode msidb.Mode
	db   *Database
}

// Open satisfies msidb.Opener.
func Open(_ context.Context, path string, mode msidb.Mode) (msidb.Editor, error) {
	db, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &editor{path: path, mode: mode, db: db}, nil
}

var _ msidb.Opener = Open

func (e *editor) Property(_ context.Context, name msidb.Property) (string, error) {
	v, ok := e.db.Properties[string(name)]
	if !ok {
		return "", errors.Wrapf(msidb.ErrNotFound, "%s in %s", name, e.path)
	}
	return v, nil
}

func (e *editor) SetProperty(_ context.Context, name msidb.Property, value string) error {
	if e.mode != msidb.Transact {
		return errors.New("database is read only")
	}
	e.db.Properties[string(name)] = value
	return nil
}

func (e *editor) EmbedTransform(_ context.Context, key, transformPath string) error {
	if e.mode != msidb.Transact {
		return errors.New("database is read only")
	}

	data, err := os.ReadFile(transformPath)
	if err != nil {
		return errors.Wrapf(err, "reading %s", transformPath)
	}

	for i, s := range e.db.Storages {
		if s.Name == key {
			e.db.Storages[i].Data = string(data)
			return nil
		}
	}
	e.db.Storages = append(e.db.Storages, Storage{Name: key, Data: string(data)})
	return nil
}

func (e *editor) Commit(context.Context) error {
	if e.mode != msidb.Transact {
		return errors.New("database is read only")
	}
	return e.db.Save(e.path)
}

func (e *editor) Close() error {
	return nil
}
