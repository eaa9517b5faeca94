// Package export produces and reads self-contained ledger bundles: every
// envelope and every epoch record, enough to verify the ledger with no
// access to the system that produced it.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/replay"
	"go.uber.org/zap"
)

// FormatVersion is the bundle format written by this package.
const FormatVersion = "1.0.0"

// supportedFormats is the range of bundle versions Load accepts.
var supportedFormats = mustConstraint("^1")

// ErrUnsupportedFormat is returned by Load for a bundle outside the
// supported format range.
var ErrUnsupportedFormat = errors.New("export: unsupported bundle format")

// ErrMalformedBundle is returned by Load for a bundle with null events or
// epochs.
var ErrMalformedBundle = errors.New("export: malformed bundle")

// Bundle is a ledger export.
type Bundle struct {
	FormatVersion string             `json:"format_version"`
	HashAlgorithm string             `json:"hash_algorithm"`
	ExportedAt    time.Time          `json:"exported_at"`
	Events        []*ledger.Envelope `json:"events"`
	Epochs        []*epoch.Epoch     `json:"epochs"`
	// StateDigest is the replayed state digest at export time, if known.
	StateDigest string `json:"state_digest,omitempty"`
}

// Clone returns a deep copy of b.
func (b *Bundle) Clone() *Bundle {
	c := *b
	c.Events = make([]*ledger.Envelope, len(b.Events))
	for i, e := range b.Events {
		c.Events[i] = e.Clone()
	}
	c.Epochs = make([]*epoch.Epoch, len(b.Epochs))
	for i, e := range b.Epochs {
		ep := *e
		c.Epochs[i] = &ep
	}
	return &c
}

// Save writes b as indented JSON.
func (b *Bundle) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return nil
}

// Load reads a bundle and checks its format version.
func Load(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	v, err := semver.NewVersion(b.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, b.FormatVersion)
	}
	if !supportedFormats.Check(v) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, v)
	}
	for i, e := range b.Events {
		if e == nil {
			return nil, fmt.Errorf("%w: events[%d] is null", ErrMalformedBundle, i)
		}
	}
	for i, ep := range b.Epochs {
		if ep == nil {
			return nil, fmt.Errorf("%w: epochs[%d] is null", ErrMalformedBundle, i)
		}
	}
	if b.Events == nil {
		b.Events = []*ledger.Envelope{}
	}
	if b.Epochs == nil {
		b.Epochs = []*epoch.Epoch{}
	}
	return &b, nil
}

// Exporter builds bundles from a live ledger.
type Exporter struct {
	ledger *ledger.Ledger
	epochs epoch.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewExporter creates an Exporter.
func NewExporter(l *ledger.Ledger, epochs epoch.Store, logger *zap.Logger) *Exporter {
	return &Exporter{ledger: l, epochs: epochs, logger: logger, now: time.Now}
}

// Export reads the whole ledger and every epoch into a bundle.
func (x *Exporter) Export(ctx context.Context) (*Bundle, error) {
	epochs, err := x.epochs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}

	events := make([]*ledger.Envelope, 0)
	r := replay.New()
	if _, err := x.ledger.Walk(ctx, 0, func(e *ledger.Envelope) error {
		events = append(events, e)
		return r.Apply(e)
	}); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	digest, err := replay.Digest(r.State())
	if err != nil {
		return nil, err
	}

	x.logger.Info("ledger exported",
		zap.Int("events", len(events)),
		zap.Int("epochs", len(epochs)),
	)
	return &Bundle{
		FormatVersion: FormatVersion,
		HashAlgorithm: x.ledger.Algorithm().Name(),
		ExportedAt:    x.now().UTC(),
		Events:        events,
		Epochs:        epochs,
		StateDigest:   digest,
	}, nil
}

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}
