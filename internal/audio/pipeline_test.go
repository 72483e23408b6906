package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/akfldk1028/XRT-sub001/internal/metrics"
)

// scriptedSource yields count frames of deterministic PCM, then EOF.
type scriptedSource struct {
	mu    sync.Mutex
	count int
	made  int
}

func (s *scriptedSource) ReadPCM(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.made >= s.count*FrameBytes {
		return 0, io.EOF
	}
	n := 0
	for n < len(buf) && s.made < s.count*FrameBytes {
		buf[n] = byte(s.made / FrameBytes)
		n++
		s.made++
	}
	return n, nil
}

type recordSink struct {
	mu      sync.Mutex
	writes  [][]byte
	resets  int32
	minBuf  int
	writeCh chan int
}

func (s *recordSink) WritePCM(p []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(p))
	copy(cp, p)
	s.writes = append(s.writes, cp)
	n := len(s.writes)
	s.mu.Unlock()
	if s.writeCh != nil {
		s.writeCh <- n
	}
	return nil
}

func (s *recordSink) MinBufferBytes() int { return s.minBuf }
func (s *recordSink) Reset()              { atomic.AddInt32(&s.resets, 1) }

func (s *recordSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type recordAppender struct {
	mu     sync.Mutex
	chunks []string
}

func (a *recordAppender) AppendAudio(b64 string) error {
	a.mu.Lock()
	a.chunks = append(a.chunks, b64)
	a.mu.Unlock()
	return nil
}

func (a *recordAppender) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.chunks))
	copy(out, a.chunks)
	return out
}

func newTestPipeline(src Source, sink Sink, app Appender) (*Pipeline, *metrics.Metrics) {
	met := metrics.New(prometheus.NewRegistry())
	return NewPipeline(src, sink, app, met), met
}

func TestCapture_PacedFramesInOrder(t *testing.T) {
	src := &scriptedSource{count: 4}
	app := &recordAppender{}
	p, _ := newTestPipeline(src, &recordSink{minBuf: 1}, app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.StartCapture(ctx); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(app.snapshot()) < 4 {
		time.Sleep(10 * time.Millisecond)
	}
	p.StopCapture()

	chunks := app.snapshot()
	if len(chunks) < 4 {
		t.Fatalf("expected 4 paced frames, got %d", len(chunks))
	}
	for i, c := range chunks[:4] {
		pcm, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			t.Fatalf("frame %d not base64: %v", i, err)
		}
		if len(pcm) != FrameBytes {
			t.Fatalf("frame %d wrong size: %d", i, len(pcm))
		}
		if !bytes.Equal(pcm, bytes.Repeat([]byte{byte(i)}, FrameBytes)) {
			t.Fatalf("frame %d out of order", i)
		}
	}
}

func TestCapture_DoubleStartRejected(t *testing.T) {
	src := &scriptedSource{count: 1000}
	p, _ := newTestPipeline(src, &recordSink{minBuf: 1}, &recordAppender{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.StartCapture(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.StopCapture()
	if err := p.StartCapture(ctx); err == nil {
		t.Fatalf("expected second StartCapture to fail")
	}
}

func TestDrain_DetectsSequenceGap(t *testing.T) {
	app := &recordAppender{}
	p, met := newTestPipeline(nil, nil, app)

	stopCh := make(chan struct{})
	queue := make(chan Frame, 8)
	queue <- Frame{Seq: 1, PCM: make([]byte, FrameBytes)}
	queue <- Frame{Seq: 2, PCM: make([]byte, FrameBytes)}
	queue <- Frame{Seq: 5, PCM: make([]byte, FrameBytes)} // frames 3,4 lost

	p.wg.Add(1)
	go p.drainLoop(context.Background(), stopCh, queue)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(app.snapshot()) < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	close(stopCh)
	p.wg.Wait()

	if got := testutil.ToFloat64(met.SequenceGaps); got != 1 {
		t.Fatalf("expected 1 sequence gap, got %v", got)
	}
	if len(app.snapshot()) != 3 {
		t.Fatalf("gap must not crash the drain; got %d frames", len(app.snapshot()))
	}
}

func b64Chunk(size int, fill byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, size))
}

func TestPlayback_StopsWithinOneChunk(t *testing.T) {
	sink := &recordSink{minBuf: 64, writeCh: make(chan int, 64)}
	p, _ := newTestPipeline(nil, sink, &recordAppender{})

	deltas := make(chan string, 64)
	if !p.StartPlayback("item_1", deltas) {
		t.Fatalf("expected playback to start")
	}

	const n = 10
	const k = 3
	// Feed one chunk-sized delta at a time, waiting for each write.
	for i := 0; i < k; i++ {
		deltas <- b64Chunk(playbackChunkBytes, byte(i))
		select {
		case <-sink.writeCh:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for write %d", i)
		}
	}
	p.StopPlayback()
	for i := k; i < n; i++ {
		deltas <- b64Chunk(playbackChunkBytes, byte(i))
	}
	close(deltas)
	time.Sleep(50 * time.Millisecond)

	if got := sink.writeCount(); got > k+1 {
		t.Fatalf("stop must halt within one chunk boundary: %d writes after stopping at %d", got, k)
	}
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("expected sink to be released on stop")
	}
}

func TestPlayback_DuplicateWithinWindowDropped(t *testing.T) {
	sink := &recordSink{minBuf: 64}
	p, met := newTestPipeline(nil, sink, &recordAppender{})

	first := make(chan string)
	second := make(chan string)
	if !p.StartPlayback("resp_item", first) {
		t.Fatalf("first playback should start")
	}
	if p.StartPlayback("resp_item", second) {
		t.Fatalf("identical request within debounce window must be dropped")
	}
	if got := testutil.ToFloat64(met.PlaybackDuplicates); got != 1 {
		t.Fatalf("expected duplicate counted, got %v", got)
	}
	close(first)
	close(second)
	p.StopPlayback()
}

func TestPlayback_NewItemPreempts(t *testing.T) {
	sink := &recordSink{minBuf: 64, writeCh: make(chan int, 64)}
	p, _ := newTestPipeline(nil, sink, &recordAppender{})

	first := make(chan string, 8)
	if !p.StartPlayback("item_a", first) {
		t.Fatalf("first playback should start")
	}
	first <- b64Chunk(playbackChunkBytes, 1)
	select {
	case <-sink.writeCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first write")
	}

	second := make(chan string, 8)
	if !p.StartPlayback("item_b", second) {
		t.Fatalf("newer request must preempt, not queue")
	}
	// The first stream's device hold must be released before the new one.
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("expected reset of preempted stream before new playback")
	}
	second <- b64Chunk(playbackChunkBytes, 2)
	select {
	case <-sink.writeCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for preempting stream write")
	}
	close(second)
	p.StopPlayback()
}

func TestPlayback_NaturalEndFlushesRemainder(t *testing.T) {
	sink := &recordSink{minBuf: 64}
	p, _ := newTestPipeline(nil, sink, &recordAppender{})

	deltas := make(chan string, 4)
	deltas <- b64Chunk(100, 7) // well below one chunk
	close(deltas)
	if !p.StartPlayback("tail", deltas) {
		t.Fatalf("playback should start")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sink.writeCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.writeCount() != 1 {
		t.Fatalf("expected tail flush, got %d writes", sink.writeCount())
	}
}

func TestPlayback_BadDeltaSkipped(t *testing.T) {
	sink := &recordSink{minBuf: 64}
	p, _ := newTestPipeline(nil, sink, &recordAppender{})

	deltas := make(chan string, 4)
	deltas <- "%%%not-base64%%%"
	deltas <- b64Chunk(playbackChunkBytes, 3)
	close(deltas)
	if !p.StartPlayback("robust", deltas) {
		t.Fatalf("playback should start")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sink.writeCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.writeCount() == 0 {
		t.Fatalf("malformed delta must not kill the stream")
	}
}
