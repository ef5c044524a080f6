package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/gateway"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/fly-io/imgsearch/pkg/preview"
	"github.com/fly-io/imgsearch/pkg/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPreviews records handle lifecycles and fails the test on a second
// live handle or a double release.
type countingPreviews struct {
	t *testing.T

	mu       sync.Mutex
	seq      int
	live     map[string]bool
	created  int
	released int
	maxLive  int
}

func newCountingPreviews(t *testing.T) *countingPreviews {
	return &countingPreviews{t: t, live: make(map[string]bool)}
}

func (p *countingPreviews) Create(f *media.File) (*preview.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	h := &preview.Handle{ID: fmt.Sprintf("h%d", p.seq), Path: "/previews/" + f.Name}
	p.live[h.ID] = true
	p.created++
	if len(p.live) > p.maxLive {
		p.maxLive = len(p.live)
	}
	return h, nil
}

func (p *countingPreviews) Release(h *preview.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live[h.ID] {
		p.t.Errorf("handle %s released twice or never created", h.ID)
		return preview.ErrNotLive
	}
	delete(p.live, h.ID)
	p.released++
	return nil
}

func (p *countingPreviews) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

type outcome struct {
	resp *gateway.Response
	err  error
}

type call struct {
	endpoint gateway.Endpoint
	file     *media.File
	ctx      context.Context
	reply    chan outcome
}

// scriptedGateway hands every request to the test and blocks until answered.
// It ignores cancellation on purpose, like a response already on the wire.
type scriptedGateway struct {
	calls chan *call
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{calls: make(chan *call, 8)}
}

func (g *scriptedGateway) Submit(ctx context.Context, endpoint gateway.Endpoint, f *media.File) (*gateway.Response, error) {
	c := &call{endpoint: endpoint, file: f, ctx: ctx, reply: make(chan outcome, 1)}
	g.calls <- c
	o := <-c.reply
	return o.resp, o.err
}

func (g *scriptedGateway) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected a gateway call")
		return nil
	}
}

func (g *scriptedGateway) expectNone(t *testing.T) {
	t.Helper()
	select {
	case c := <-g.calls:
		t.Fatalf("unexpected gateway call to %s", c.endpoint)
	case <-time.After(20 * time.Millisecond):
	}
}

func wait(t *testing.T, sub *Submission) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sub.Wait(ctx))
}

func jpegFile(size int64) *media.File {
	return &media.File{Name: "photo.jpg", MediaType: "image/jpeg", Size: size, Data: []byte("jpeg")}
}

const mb = 1024 * 1024

func TestSearch_RendersSingleResult(t *testing.T) {
	previews := newCountingPreviews(t)
	gw := newScriptedGateway()
	w := NewSearch(validate.NewValidator(validate.DefaultMaxFileSize), previews, gw)

	sub, err := w.Select(context.Background(), jpegFile(2*mb))
	require.NoError(t, err)
	require.NotNil(t, sub, "search submits on accepted selection")
	assert.Equal(t, StateSubmitting, w.State())
	assert.Equal(t, 1, previews.liveCount())

	c := gw.next(t)
	assert.Equal(t, gateway.EndpointSearch, c.endpoint)
	c.reply <- outcome{resp: &gateway.Response{Results: []gateway.ImageResult{
		{ID: "1", Similarity: 0.97, Distance: 0.03, Path: "/img/1.png"},
	}}}
	wait(t, sub)

	snap := w.Snapshot()
	assert.True(t, sub.Applied())
	assert.Equal(t, StateSucceeded, snap.State)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, gateway.ImageID("1"), snap.Results[0].ID)
	assert.Nil(t, snap.Preview, "search discards its preview after success")
	assert.Equal(t, 0, previews.liveCount())
}

func TestSelect_TooLargeFails(t *testing.T) {
	previews := newCountingPreviews(t)
	gw := newScriptedGateway()
	w := NewSearch(validate.NewValidator(validate.DefaultMaxFileSize), previews, gw)

	sub, err := w.Select(context.Background(), &media.File{Name: "big.png", MediaType: "image/png", Size: 12 * mb})
	require.NoError(t, err)
	assert.Nil(t, sub)

	snap := w.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, errors.KindValidation, snap.Failure.Kind)
	assert.Equal(t, "exceeds size limit (10 MB)", snap.Failure.Message)
	assert.Equal(t, 0, previews.created)
	gw.expectNone(t)
}

func TestSelect_EmptyTypeIsUnknown(t *testing.T) {
	w := NewIngestion(validate.NewValidator(0), newCountingPreviews(t), newScriptedGateway())

	_, err := w.Select(context.Background(), &media.File{Name: "notes", Size: 10})
	require.NoError(t, err)

	snap := w.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "unsupported media type (desconocido)", snap.Failure.Message)
}

func TestSelect_LoadedTextWithoutExtensionIsUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes")
	require.NoError(t, os.WriteFile(path, []byte("just some text that used to be notes.txt\n"), 0o644))
	f, err := media.LoadFile(path)
	require.NoError(t, err)

	previews := newCountingPreviews(t)
	w := NewIngestion(validate.NewValidator(0), previews, newScriptedGateway())
	_, err = w.Select(context.Background(), f)
	require.NoError(t, err)

	snap := w.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, errors.KindValidation, snap.Failure.Kind)
	assert.Equal(t, "unsupported media type (desconocido)", snap.Failure.Message)
	assert.Equal(t, 0, previews.created)
}

func TestIngestion_UnreachableKeepsPreview(t *testing.T) {
	previews := newCountingPreviews(t)
	gw := newScriptedGateway()
	w := NewIngestion(validate.NewValidator(0), previews, gw)

	sub, err := w.Select(context.Background(), jpegFile(mb))
	require.NoError(t, err)
	assert.Nil(t, sub, "ingestion waits for confirmation")
	assert.Equal(t, StatePreviewing, w.State())
	gw.expectNone(t)

	sub, err = w.Confirm(context.Background())
	require.NoError(t, err)
	c := gw.next(t)
	assert.Equal(t, gateway.EndpointAdd, c.endpoint)
	c.reply <- outcome{err: errors.New(errors.KindConnectivity, gateway.MessageConnectivity, nil)}
	wait(t, sub)

	snap := w.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, errors.KindConnectivity, snap.Failure.Kind)
	assert.Equal(t, gateway.MessageConnectivity, snap.Failure.Message)
	assert.NotNil(t, snap.Preview)
	assert.Equal(t, 1, previews.liveCount())

	// Retry without selecting again.
	sub, err = w.Confirm(context.Background())
	require.NoError(t, err)
	c = gw.next(t)
	c.reply <- outcome{resp: &gateway.Response{Image: &gateway.UploadResult{ID: 7, SHA256: "abc", OriginalFilename: "photo.jpg"}}}
	wait(t, sub)

	snap = w.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, int64(7), snap.Upload.ID)
	assert.NotNil(t, snap.Preview, "ingestion keeps its preview next to the record")

	w.Reset()
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, 0, previews.liveCount())
	assert.Equal(t, previews.created, previews.released)
}

func TestSearch_EmptyResults(t *testing.T) {
	gw := newScriptedGateway()
	w := NewSearch(validate.NewValidator(0), newCountingPreviews(t), gw)

	sub, err := w.Select(context.Background(), jpegFile(mb))
	require.NoError(t, err)
	gw.next(t).reply <- outcome{resp: &gateway.Response{Results: []gateway.ImageResult{}}}
	wait(t, sub)

	snap := w.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	assert.NotNil(t, snap.Results)
	assert.Empty(t, snap.Results)
	assert.Nil(t, snap.Failure)
}

func TestSearch_ServerDetail(t *testing.T) {
	gw := newScriptedGateway()
	w := NewSearch(validate.NewValidator(0), newCountingPreviews(t), gw)

	sub, err := w.Select(context.Background(), jpegFile(mb))
	require.NoError(t, err)
	serverErr := errors.New(errors.KindServer, "index unavailable", nil)
	serverErr.Status = 500
	gw.next(t).reply <- outcome{err: serverErr}
	wait(t, sub)

	snap := w.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, errors.KindServer, snap.Failure.Kind)
	assert.Equal(t, "index unavailable", snap.Failure.Message)
}

func TestSubmit_UnclassifiedErrorIsUnknown(t *testing.T) {
	gw := newScriptedGateway()
	w := NewSearch(validate.NewValidator(0), newCountingPreviews(t), gw)

	sub, _ := w.Select(context.Background(), jpegFile(mb))
	gw.next(t).reply <- outcome{err: fmt.Errorf("boom")}
	wait(t, sub)

	snap := w.Snapshot()
	assert.Equal(t, errors.KindUnknown, snap.Failure.Kind)
	assert.Equal(t, gateway.MessageUnknown, snap.Failure.Message)
}

func TestReset_IgnoresStaleResult(t *testing.T) {
	previews := newCountingPreviews(t)
	gw := newScriptedGateway()
	w := NewIngestion(validate.NewValidator(0), previews, gw)

	_, err := w.Select(context.Background(), jpegFile(mb))
	require.NoError(t, err)
	sub, err := w.Confirm(context.Background())
	require.NoError(t, err)
	c := gw.next(t)

	w.Reset()
	assert.Equal(t, StateIdle, w.State())
	assert.ErrorIs(t, c.ctx.Err(), context.Canceled, "reset cancels the request context")

	c.reply <- outcome{resp: &gateway.Response{Image: &gateway.UploadResult{ID: 1}}}
	wait(t, sub)

	assert.False(t, sub.Applied())
	snap := w.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Upload)
	assert.Equal(t, 0, previews.liveCount())
}

func TestResubmit_IgnoresSupersededResult(t *testing.T) {
	gw := newScriptedGateway()
	w := NewSearch(validate.NewValidator(0), newCountingPreviews(t), gw)

	first, err := w.Select(context.Background(), jpegFile(mb))
	require.NoError(t, err)
	firstCall := gw.next(t)

	w.Reset()
	second, err := w.Select(context.Background(), &media.File{Name: "b.png", MediaType: "image/png", Size: 10})
	require.NoError(t, err)
	secondCall := gw.next(t)

	// The first response arrives late, while the second is in flight.
	firstCall.reply <- outcome{resp: &gateway.Response{Results: []gateway.ImageResult{{ID: "stale"}}}}
	wait(t, first)
	assert.False(t, first.Applied())
	assert.Equal(t, StateSubmitting, w.State())

	secondCall.reply <- outcome{resp: &gateway.Response{Results: []gateway.ImageResult{{ID: "fresh"}}}}
	wait(t, second)
	assert.True(t, second.Applied())

	snap := w.Snapshot()
	require.Len(t, snap.Results, 1)
	assert.Equal(t, gateway.ImageID("fresh"), snap.Results[0].ID)
}

func TestSelect_BusyWhileSubmitting(t *testing.T) {
	gw := newScriptedGateway()
	w := NewSearch(validate.NewValidator(0), newCountingPreviews(t), gw)

	sub, err := w.Select(context.Background(), jpegFile(mb))
	require.NoError(t, err)
	c := gw.next(t)

	_, err = w.Select(context.Background(), jpegFile(mb))
	assert.ErrorIs(t, err, ErrBusy)
	_, err = w.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	c.reply <- outcome{resp: &gateway.Response{Results: []gateway.ImageResult{}}}
	wait(t, sub)
}

func TestCancel(t *testing.T) {
	previews := newCountingPreviews(t)
	w := NewIngestion(validate.NewValidator(0), previews, newScriptedGateway())

	assert.ErrorIs(t, w.Cancel(), ErrNotPreviewing)

	_, err := w.Select(context.Background(), jpegFile(mb))
	require.NoError(t, err)
	require.NoError(t, w.Cancel())
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, 0, previews.liveCount())
}

func TestConfirm_NothingToSubmit(t *testing.T) {
	w := NewIngestion(validate.NewValidator(0), newCountingPreviews(t), newScriptedGateway())

	_, err := w.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrNothingToSubmit)

	// A rejected selection holds no file either.
	_, _ = w.Select(context.Background(), &media.File{Name: "x.txt", MediaType: "text/plain", Size: 1})
	_, err = w.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrNothingToSubmit)
}

func TestReset_IdleIsNoop(t *testing.T) {
	previews := newCountingPreviews(t)
	var notified int
	w := NewIngestion(validate.NewValidator(0), previews, newScriptedGateway(),
		WithObserver(func(Snapshot) { notified++ }))

	w.Reset()
	w.Reset()
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, 0, previews.released)
	assert.Equal(t, 0, notified)
}

func TestSinglePreviewAcrossSelections(t *testing.T) {
	previews := newCountingPreviews(t)
	w := NewIngestion(validate.NewValidator(0), previews, newScriptedGateway())
	ctx := context.Background()

	files := []*media.File{
		jpegFile(mb),
		{Name: "b.png", MediaType: "image/png", Size: 10},
		{Name: "c.gif", MediaType: "image/gif", Size: 10},
		{Name: "bad.txt", MediaType: "text/plain", Size: 10},
		{Name: "d.webp", MediaType: "image/webp", Size: 10},
	}
	for i, f := range files {
		_, err := w.Select(ctx, f)
		require.NoError(t, err)
		assert.LessOrEqual(t, previews.liveCount(), 1)
		if i == 2 {
			w.Reset()
		}
	}
	w.Reset()

	assert.Equal(t, 1, previews.maxLive)
	assert.Equal(t, 4, previews.created)
	assert.Equal(t, previews.created, previews.released)
}

func TestObserverSeesTransitions(t *testing.T) {
	gw := newScriptedGateway()
	var (
		mu     sync.Mutex
		states []State
	)
	w := NewSearch(validate.NewValidator(0), newCountingPreviews(t), gw,
		WithObserver(func(s Snapshot) {
			mu.Lock()
			states = append(states, s.State)
			mu.Unlock()
		}))

	sub, err := w.Select(context.Background(), jpegFile(mb))
	require.NoError(t, err)
	gw.next(t).reply <- outcome{resp: &gateway.Response{Results: []gateway.ImageResult{}}}
	wait(t, sub)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateSubmitting, StateSucceeded}, states)
}
