package provenance

import (
	"context"
	"time"

	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/agilityrecordbook/installer/pkg/packagekit/msidb"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Recorder writes the ledger entry for a finished package. The package
// id is read back from the package itself.
type Recorder struct {
	ledger *Ledger
	open   msidb.Opener
	dryRun bool
	now    func() time.Time
}

type RecorderOpt func(*Recorder)

// WithDryRun makes Record a no-op.
func WithDryRun(dryRun bool) RecorderOpt {
	return func(r *Recorder) {
		r.dryRun = dryRun
	}
}

func WithOpener(open msidb.Opener) RecorderOpt {
	return func(r *Recorder) {
		r.open = open
	}
}

func WithClock(now func() time.Time) RecorderOpt {
	return func(r *Recorder) {
		r.now = now
	}
}

func NewRecorder(ledger *Ledger, opts ...RecorderOpt) *Recorder {
	r := &Recorder{
		ledger: ledger,
		open:   msidb.Open,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Record appends the ledger line for the package at pkgPath. In dry run
// mode nothing is read or written, and the zero Record is returned.
func (r *Recorder) Record(ctx context.Context, pkgPath, version, lineageID, target string) (Record, error) {
	ctx, span := trace.StartSpan(ctx, "provenance.Record")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	if r.dryRun {
		level.Info(logger).Log("msg", "dry run, not recording", "package", pkgPath)
		return Record{}, nil
	}

	packageID, err := r.productCode(ctx, pkgPath)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Version:   version,
		Timestamp: r.now(),
		PackageID: packageID,
		LineageID: lineageID,
		Target:    target,
	}

	if err := r.ledger.Append(rec); err != nil {
		return Record{}, err
	}

	level.Info(logger).Log(
		"msg", "recorded package",
		"ledger", r.ledger.Path(),
		"version", version,
		"package_id", packageID,
		"target", target,
	)

	return rec, nil
}

func (r *Recorder) productCode(ctx context.Context, pkgPath string) (string, error) {
	db, err := r.open(ctx, pkgPath, msidb.ReadOnly)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", pkgPath)
	}
	defer db.Close()

	code, err := db.Property(ctx, msidb.ProductCode)
	if err != nil {
		return "", errors.Wrapf(err, "reading product code from %s", pkgPath)
	}
	if code == "" {
		return "", errors.Errorf("%s has an empty product code", pkgPath)
	}

	return code, nil
}
