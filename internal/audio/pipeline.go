package audio

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"sync"
	"time"

	"github.com/akfldk1028/XRT-sub001/internal/metrics"
)

// Wire audio format: mono 16-bit little-endian PCM at 24 kHz.
const (
	SampleRate     = 24000
	BytesPerSample = 2
	FrameDuration  = 20 * time.Millisecond
	FrameSamples   = SampleRate / 50 // 20ms
	FrameBytes     = FrameSamples * BytesPerSample
)

// DebounceWindow is the interval within which a repeated playback request for
// the same item is dropped instead of preempting.
const DebounceWindow = 300 * time.Millisecond

// playbackChunkBytes bounds individual device writes (~50ms). The effective
// write size is at least the sink's reported minimum buffer.
const playbackChunkBytes = 4800

const captureQueueSize = 512

// Source is the capture device collaborator. ReadPCM fills buf with wire
// format samples and may return short reads; io.EOF ends capture.
type Source interface {
	ReadPCM(buf []byte) (int, error)
}

// Sink is the playback device collaborator. MinBufferBytes reports the
// device's minimum write size; Reset drops queued output immediately and
// releases the device for the next stream.
type Sink interface {
	WritePCM(p []byte) error
	MinBufferBytes() int
	Reset()
}

// Appender is the network-facing audio consumer; the drain task hands it
// base64-encoded frames.
type Appender interface {
	AppendAudio(b64 string) error
}

// Frame is one fixed-size capture chunk tagged with a strictly increasing
// sequence number within its capture session.
type Frame struct {
	Seq uint64
	PCM []byte
}

// Pipeline converts captured microphone samples into the wire encoding with
// paced delivery, and plays inbound synthesized speech with interruptible
// bounded-chunk writes. Capture enqueues and returns immediately; network
// sends happen only on the drain task.
type Pipeline struct {
	source Source
	sink   Sink
	stream Appender
	met    *metrics.Metrics

	mu        sync.Mutex
	capturing bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	queue     chan Frame

	playMu    sync.Mutex
	play      *playback
	lastKey   uint64
	lastStart time.Time
}

type playback struct {
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (p *playback) stop() { p.once.Do(func() { close(p.stopCh) }) }

// NewPipeline constructs a pipeline over the given device collaborators and
// network appender.
func NewPipeline(source Source, sink Sink, stream Appender, met *metrics.Metrics) *Pipeline {
	return &Pipeline{source: source, sink: sink, stream: stream, met: met}
}

// StartCapture begins producing frames from the source into the monitored
// queue and starts the paced drain task. Sequence numbers restart at 1 for
// each capture session.
func (p *Pipeline) StartCapture(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capturing {
		return fmt.Errorf("audio: capture already active")
	}
	if p.source == nil {
		return fmt.Errorf("audio: no capture source")
	}
	p.capturing = true
	p.stopCh = make(chan struct{})
	p.queue = make(chan Frame, captureQueueSize)

	p.wg.Add(2)
	go p.captureLoop(ctx, p.stopCh, p.queue)
	go p.drainLoop(ctx, p.stopCh, p.queue)
	return nil
}

// StopCapture stops the producer before the drain task and waits for both.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	if !p.capturing {
		p.mu.Unlock()
		return
	}
	p.capturing = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

// Capturing reports whether the capture side is active.
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturing
}

// QueueDepth reports the number of frames waiting for the drain task.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	q := p.queue
	p.mu.Unlock()
	if q == nil {
		return 0
	}
	return len(q)
}

// captureLoop reads fixed-size frames from the device and enqueues them.
// It never blocks on the queue: when the drain falls behind the frame is
// dropped and counted, which the drain side reports as a sequence gap.
func (p *Pipeline) captureLoop(ctx context.Context, stopCh chan struct{}, queue chan Frame) {
	defer p.wg.Done()
	var seq uint64
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		buf := make([]byte, FrameBytes)
		if err := p.readFull(buf, stopCh); err != nil {
			if err != io.EOF {
				log.Printf("audio: capture read: %v", err)
			}
			return
		}
		seq++
		if p.met != nil {
			p.met.FramesCaptured.Inc()
			p.met.CaptureQueueDepth.Set(float64(len(queue)))
		}
		select {
		case queue <- Frame{Seq: seq, PCM: buf}:
		default:
			log.Printf("audio: capture queue full, dropping frame %d", seq)
			if p.met != nil {
				p.met.FramesDropped.Inc()
			}
		}
	}
}

func (p *Pipeline) readFull(buf []byte, stopCh chan struct{}) error {
	off := 0
	for off < len(buf) {
		select {
		case <-stopCh:
			return io.EOF
		default:
		}
		n, err := p.source.ReadPCM(buf[off:])
		off += n
		if err != nil {
			return err
		}
	}
	return nil
}

// drainLoop paces queued frames onto the network at roughly their natural
// duration, base64-encoding each frame just before the send.
func (p *Pipeline) drainLoop(ctx context.Context, stopCh chan struct{}, queue chan Frame) {
	defer p.wg.Done()
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	var lastSeq uint64
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case frame := <-queue:
				if lastSeq != 0 && frame.Seq != lastSeq+1 {
					log.Printf("audio: sequence gap: got %d after %d", frame.Seq, lastSeq)
					if p.met != nil {
						p.met.SequenceGaps.Inc()
					}
				}
				lastSeq = frame.Seq
				b64 := base64.StdEncoding.EncodeToString(frame.PCM)
				if err := p.stream.AppendAudio(b64); err != nil {
					log.Printf("audio: append frame %d: %v", frame.Seq, err)
				}
			default:
			}
		}
	}
}

// StartPlayback begins playing the base64 audio deltas for one item. A newer
// request preempts the current stream unless it repeats the same item within
// the debounce window, in which case it is dropped and false is returned.
// Only one playback stream is ever active.
func (p *Pipeline) StartPlayback(itemID string, deltas <-chan string) bool {
	if p.sink == nil {
		return false
	}
	key := playbackKey(itemID)
	now := time.Now()

	p.playMu.Lock()
	if p.play != nil && key == p.lastKey && now.Sub(p.lastStart) < DebounceWindow {
		p.playMu.Unlock()
		log.Printf("audio: dropping duplicate playback request for %s", itemID)
		if p.met != nil {
			p.met.PlaybackDuplicates.Inc()
		}
		return false
	}
	p.stopCurrentLocked()
	pb := &playback{stopCh: make(chan struct{}), done: make(chan struct{})}
	p.play = pb
	p.lastKey = key
	p.lastStart = now
	p.playMu.Unlock()

	if p.met != nil {
		p.met.PlaybackStarts.Inc()
	}
	go p.playLoop(itemID, deltas, pb)
	return true
}

// StopPlayback halts the active stream within one chunk-write boundary and
// waits for the output device to be released.
func (p *Pipeline) StopPlayback() {
	p.playMu.Lock()
	p.stopCurrentLocked()
	p.playMu.Unlock()
}

func (p *Pipeline) stopCurrentLocked() {
	if p.play == nil {
		return
	}
	p.play.stop()
	<-p.play.done
	p.play = nil
}

func (p *Pipeline) playLoop(itemID string, deltas <-chan string, pb *playback) {
	defer close(pb.done)

	chunk := playbackChunkBytes
	if min := p.sink.MinBufferBytes(); min > chunk {
		chunk = min
	}

	var buf []byte
	interrupted := func() bool {
		select {
		case <-pb.stopCh:
			return true
		default:
			return false
		}
	}
	for {
		select {
		case <-pb.stopCh:
			p.sink.Reset()
			if p.met != nil {
				p.met.PlaybackInterrupts.Inc()
			}
			return
		case d, ok := <-deltas:
			if !ok {
				// Natural end: flush the remainder.
				if len(buf) > 0 && !interrupted() {
					if err := p.sink.WritePCM(buf); err != nil {
						log.Printf("audio: playback flush %s: %v", itemID, err)
					}
				}
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(d)
			if err != nil {
				log.Printf("audio: bad playback delta for %s: %v", itemID, err)
				continue
			}
			buf = append(buf, pcm...)
			for len(buf) >= chunk {
				if interrupted() {
					p.sink.Reset()
					if p.met != nil {
						p.met.PlaybackInterrupts.Inc()
					}
					return
				}
				if err := p.sink.WritePCM(buf[:chunk]); err != nil {
					log.Printf("audio: playback write %s: %v", itemID, err)
					return
				}
				buf = buf[chunk:]
			}
		}
	}
}

func playbackKey(itemID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(itemID))
	return h.Sum64()
}
