//go:build windows
// +build windows

package msidb

import (
	"context"
	"fmt"

	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/go-kit/kit/log/level"
	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/pkg/errors"
	"github.com/scjalliance/comshim"
)

// https://learn.microsoft.com/en-us/windows/win32/msi/view-modify
const msiViewModifyAssign = 3

// how many summary properties we may update in one session
const maxSummaryUpdates = 20

type comEditor struct {
	path      string
	installer *ole.IDispatch
	db        *ole.IDispatch
	summary   *ole.IDispatch
	dirty     bool
}

func openNative(ctx context.Context, path string, mode Mode) (Editor, error) {
	comshim.Add(1)

	unknown, err := oleutil.CreateObject("WindowsInstaller.Installer")
	if err != nil {
		comshim.Done()
		return nil, errors.Wrap(err, "creating WindowsInstaller.Installer")
	}
	defer unknown.Release()

	installer, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		comshim.Done()
		return nil, errors.Wrap(err, "IDispatch for WindowsInstaller.Installer")
	}

	db, err := toIDispatchErr(oleutil.CallMethod(installer, "OpenDatabase", path, int32(mode)))
	if err != nil {
		installer.Release()
		comshim.Done()
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	level.Debug(ctxlog.FromContext(ctx)).Log("msg", "opened installer database", "path", path, "mode", int(mode))

	return &comEditor{
		path:      path,
		installer: installer,
		db:        db,
	}, nil
}

func (e *comEditor) Property(ctx context.Context, name Property) (string, error) {
	if pid, ok := SummaryPID(name); ok {
		si, err := e.summaryInformation()
		if err != nil {
			return "", err
		}
		v, err := toStringErr(oleutil.GetProperty(si, "Property", pid))
		return v, errors.Wrapf(err, "summary property %d", pid)
	}

	view, err := e.openView("SELECT `Value` FROM `Property` WHERE `Property`=?")
	if err != nil {
		return "", err
	}
	defer closeView(view)

	params, err := e.record(string(name))
	if err != nil {
		return "", err
	}
	defer params.Release()

	if _, err := oleutil.CallMethod(view, "Execute", params); err != nil {
		return "", errors.Wrap(err, "executing property query")
	}

	fetched, err := oleutil.CallMethod(view, "Fetch")
	if err != nil {
		return "", errors.Wrap(err, "fetching property")
	}
	row := fetched.ToIDispatch()
	if row == nil {
		return "", errors.Wrapf(ErrNotFound, "%s in %s", name, e.path)
	}
	defer row.Release()

	return toStringErr(oleutil.GetProperty(row, "StringData", 1))
}

func (e *comEditor) SetProperty(ctx context.Context, name Property, value string) error {
	if pid, ok := SummaryPID(name); ok {
		si, err := e.summaryInformation()
		if err != nil {
			return err
		}
		if _, err := oleutil.PutProperty(si, "Property", pid, value); err != nil {
			return errors.Wrapf(err, "setting summary property %d", pid)
		}
		e.dirty = true
		return nil
	}

	view, err := e.openView("SELECT `Property`,`Value` FROM `Property`")
	if err != nil {
		return err
	}
	defer closeView(view)

	if _, err := oleutil.CallMethod(view, "Execute"); err != nil {
		return errors.Wrap(err, "executing property view")
	}

	row, err := e.record(string(name), value)
	if err != nil {
		return err
	}
	defer row.Release()

	if _, err := oleutil.CallMethod(view, "Modify", msiViewModifyAssign, row); err != nil {
		return errors.Wrapf(err, "assigning property %s", name)
	}
	return nil
}

func (e *comEditor) EmbedTransform(ctx context.Context, key, transformPath string) error {
	view, err := e.openView("SELECT `Name`,`Data` FROM `_Storages`")
	if err != nil {
		return err
	}
	defer closeView(view)

	if _, err := oleutil.CallMethod(view, "Execute"); err != nil {
		return errors.Wrap(err, "executing _Storages view")
	}

	row, err := e.record(key, "")
	if err != nil {
		return err
	}
	defer row.Release()

	if _, err := oleutil.CallMethod(row, "SetStream", 2, transformPath); err != nil {
		return errors.Wrapf(err, "reading %s into record", transformPath)
	}

	if _, err := oleutil.CallMethod(view, "Modify", msiViewModifyAssign, row); err != nil {
		return errors.Wrapf(err, "storing %s as %s", transformPath, key)
	}

	level.Debug(ctxlog.FromContext(ctx)).Log("msg", "embedded transform", "key", key, "path", e.path)
	return nil
}

func (e *comEditor) Commit(ctx context.Context) error {
	if e.dirty {
		if _, err := oleutil.CallMethod(e.summary, "Persist"); err != nil {
			return errors.Wrap(err, "persisting summary information")
		}
		e.dirty = false
	}

	if _, err := oleutil.CallMethod(e.db, "Commit"); err != nil {
		return errors.Wrapf(err, "committing %s", e.path)
	}
	return nil
}

func (e *comEditor) Close() error {
	if e.db == nil {
		return nil
	}

	if e.summary != nil {
		e.summary.Release()
		e.summary = nil
	}
	e.db.Release()
	e.db = nil
	e.installer.Release()
	e.installer = nil

	comshim.Done()
	return nil
}

func (e *comEditor) summaryInformation() (*ole.IDispatch, error) {
	if e.summary != nil {
		return e.summary, nil
	}

	si, err := toIDispatchErr(oleutil.GetProperty(e.db, "SummaryInformation", maxSummaryUpdates))
	if err != nil {
		return nil, errors.Wrap(err, "opening summary information")
	}
	e.summary = si
	return si, nil
}

func (e *comEditor) openView(query string) (*ole.IDispatch, error) {
	view, err := toIDispatchErr(oleutil.CallMethod(e.db, "OpenView", query))
	if err != nil {
		return nil, errors.Wrapf(err, "opening view %q", query)
	}
	return view, nil
}

func closeView(view *ole.IDispatch) {
	oleutil.CallMethod(view, "Close")
	view.Release()
}

// record creates an installer record with one string field per value.
func (e *comEditor) record(values ...string) (*ole.IDispatch, error) {
	rec, err := toIDispatchErr(oleutil.CallMethod(e.installer, "CreateRecord", len(values)))
	if err != nil {
		return nil, errors.Wrap(err, "creating record")
	}

	for i, v := range values {
		if v == "" {
			continue
		}
		if _, err := oleutil.PutProperty(rec, "StringData", i+1, v); err != nil {
			rec.Release()
			return nil, errors.Wrapf(err, "setting record field %d", i+1)
		}
	}

	return rec, nil
}

func toIDispatchErr(result *ole.VARIANT, err error) (*ole.IDispatch, error) {
	if err != nil {
		return nil, err
	}
	disp := result.ToIDispatch()
	if disp == nil {
		return nil, errors.New("expected an IDispatch")
	}
	return disp, nil
}

func toStringErr(result *ole.VARIANT, err error) (string, error) {
	if err != nil {
		return "", err
	}

	valueRaw := result.Value()
	if valueRaw == nil {
		return "", nil
	}

	value, ok := valueRaw.(string)

	if err := result.Clear(); err != nil {
		return "", errors.New("clearing string")
	}

	if !ok {
		return "", fmt.Errorf("not a string: %T", valueRaw)
	}
	return value, nil
}
