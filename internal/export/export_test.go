package export_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/export"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

// ── Stubs ────────────────────────────────────────────────────────────────────

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Bucket+"/"+*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

type chanArchiver struct{ keys chan string }

func (a chanArchiver) Archive(_ context.Context, key string, _ *export.Bundle) error {
	a.keys <- key
	return nil
}

func sealedLedger(t *testing.T, n int) (*ledger.Ledger, *epoch.Manager) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, zap.NewNop())
	for i := 0; i < n; i++ {
		if _, err := l.Append(ctx, ledger.Record{EventType: "task.created", Actor: "keeper", Payload: map[string]int{"i": i}}); err != nil {
			t.Fatal(err)
		}
	}
	m := epoch.NewManager(l, epoch.NewMemoryStore(), nil, epoch.Config{}, zap.NewNop())
	if _, err := m.SealPending(ctx); err != nil {
		t.Fatal(err)
	}
	return l, m
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestExport_saveLoadRoundTrip(t *testing.T) {
	l, m := sealedLedger(t, 4)
	b, err := export.NewExporter(l, m.Store(), zap.NewNop()).Export(ctx)
	require.NoError(t, err)

	assert.Equal(t, export.FormatVersion, b.FormatVersion)
	assert.Equal(t, "sha256", b.HashAlgorithm)
	assert.Len(t, b.Events, 5)
	assert.Len(t, b.Epochs, 1)
	assert.NotEmpty(t, b.StateDigest)

	var buf bytes.Buffer
	require.NoError(t, b.Save(&buf))
	got, err := export.Load(&buf)
	require.NoError(t, err)

	require.Len(t, got.Events, 5)
	for i := range b.Events {
		assert.Equal(t, b.Events[i].EventHash, got.Events[i].EventHash)
		assert.True(t, b.Events[i].Timestamp.Equal(got.Events[i].Timestamp))
		h, err := ledger.ComputeHash(l.Algorithm(), got.Events[i])
		require.NoError(t, err)
		assert.Equal(t, got.Events[i].EventHash, h, "hash must survive serialisation")
	}
	assert.Equal(t, b.Epochs[0].RootHash, got.Epochs[0].RootHash)
}

func TestLoad_formatVersion(t *testing.T) {
	_, err := export.Load(strings.NewReader(`{"format_version":"1.4.0","events":[],"epochs":[]}`))
	assert.NoError(t, err)

	_, err = export.Load(strings.NewReader(`{"format_version":"2.0.0"}`))
	assert.ErrorIs(t, err, export.ErrUnsupportedFormat)

	_, err = export.Load(strings.NewReader(`{"format_version":"banana"}`))
	assert.ErrorIs(t, err, export.ErrUnsupportedFormat)

	_, err = export.Load(strings.NewReader(`not json`))
	assert.Error(t, err)
}

func TestLoad_nilSlicesBecomeEmpty(t *testing.T) {
	b, err := export.Load(strings.NewReader(`{"format_version":"1.0.0"}`))
	require.NoError(t, err)
	assert.NotNil(t, b.Events)
	assert.NotNil(t, b.Epochs)
}

func TestLoad_rejectsNullEntries(t *testing.T) {
	_, err := export.Load(strings.NewReader(`{"format_version":"1.0.0","events":[null]}`))
	assert.ErrorIs(t, err, export.ErrMalformedBundle)
	assert.ErrorContains(t, err, "events[0]")

	_, err = export.Load(strings.NewReader(`{"format_version":"1.0.0","events":[],"epochs":[null]}`))
	assert.ErrorIs(t, err, export.ErrMalformedBundle)
	assert.ErrorContains(t, err, "epochs[0]")
}

func TestBundle_cloneIsDeep(t *testing.T) {
	l, m := sealedLedger(t, 2)
	b, _ := export.NewExporter(l, m.Store(), zap.NewNop()).Export(ctx)
	c := b.Clone()
	c.Events[0].Payload[0] = '['
	c.Epochs[0].RootHash = "x"
	assert.Equal(t, byte('{'), b.Events[0].Payload[0])
	assert.NotEqual(t, "x", b.Epochs[0].RootHash)
}

func TestS3Archiver_archiveAndFetch(t *testing.T) {
	l, m := sealedLedger(t, 3)
	b, _ := export.NewExporter(l, m.Store(), zap.NewNop()).Export(ctx)

	fake := &fakeS3{}
	a := export.NewS3ArchiverWithClient(fake, "audit", "govledger/", zap.NewNop())
	require.NoError(t, a.Archive(ctx, "epoch-00000001.json", b))
	assert.Contains(t, fake.objects, "audit/govledger/epoch-00000001.json")

	got, err := a.Fetch(ctx, "epoch-00000001.json")
	require.NoError(t, err)
	assert.Len(t, got.Events, len(b.Events))
}

func TestS3Archiver_putError(t *testing.T) {
	a := export.NewS3ArchiverWithClient(&fakeS3{putErr: errors.New("denied")}, "b", "", zap.NewNop())
	err := a.Archive(ctx, "k", &export.Bundle{FormatVersion: export.FormatVersion})
	assert.ErrorContains(t, err, "denied")
}

func TestArchiveOnSeal(t *testing.T) {
	l, m := sealedLedger(t, 2)
	x := export.NewExporter(l, m.Store(), zap.NewNop())
	keys := make(chan string, 1)
	m.OnSeal(x.ArchiveOnSeal(chanArchiver{keys: keys}, time.Second))

	if _, err := l.Append(ctx, ledger.Record{EventType: "x", Actor: "a"}); err != nil {
		t.Fatal(err)
	}
	ep, err := m.SealPending(ctx)
	require.NoError(t, err)

	select {
	case k := <-keys:
		assert.Equal(t, export.EpochKey(ep.EpochID), k)
		assert.Equal(t, "epoch-00000002.json", k)
	case <-time.After(2 * time.Second):
		t.Fatal("bundle was not archived")
	}
}
