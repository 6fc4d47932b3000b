package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/log"
)

// SourceConfig describes one ingested stream.
type SourceConfig struct {
	StreamID             string
	URL                  string
	Type                 StreamType
	TargetFPS            int
	Width                int
	Height               int
	BufferSize           int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // negative means unbounded
	ReadTimeout          time.Duration
}

// Source decodes one stream URL into FramePackets via an ffmpeg child
// process emitting raw BGR24 frames, fills the ring buffer, and reconnects
// on failure. One capture goroutine per source.
type Source struct {
	cfg SourceConfig
	buf *RingBuffer
	lg  zerolog.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	frameSeq atomic.Uint64

	mu           sync.RWMutex
	phase        SourcePhase
	lastErr      string
	lastFrameAt  time.Time
	reconnects   uint64
	droppedReads uint64

	cmdMu sync.Mutex
	cmd   *exec.Cmd

	// OnFrame and OnStatusChange are invoked from the capture goroutine and
	// must not block. Set them before Start.
	OnFrame        func(*FramePacket)
	OnStatusChange func(phase SourcePhase, msg string)
}

// NewSource creates a stopped source with an empty ring buffer.
func NewSource(cfg SourceConfig) *Source {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	return &Source{
		cfg:    cfg,
		buf:    NewRingBuffer(cfg.BufferSize),
		lg:     log.WithStream("source", cfg.StreamID),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		phase:  PhaseDisconnected,
	}
}

// Buffer exposes the ring buffer for readers sharing this source.
func (s *Source) Buffer() *RingBuffer { return s.buf }

// Start launches the capture loop. Idempotent.
func (s *Source) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.lg.Info().Str("url", s.cfg.URL).Str("type", string(s.cfg.Type)).
		Int("fps", s.cfg.TargetFPS).Msg("starting capture")
	go s.run()
}

// Stop terminates the capture loop and the decoder. It unblocks a pending
// read by killing the child process and waits up to 3s for the loop to exit.
func (s *Source) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.killDecoder()

	select {
	case <-s.doneCh:
	case <-time.After(3 * time.Second):
		s.lg.Warn().Msg("capture loop did not exit in time")
	}
}

// Latest implements FrameReader.
func (s *Source) Latest() *FramePacket { return s.buf.Latest() }

// LastConsecutive implements FrameReader.
func (s *Source) LastConsecutive(k int) []*FramePacket { return s.buf.LastConsecutive(k) }

// LastWindow implements FrameReader.
func (s *Source) LastWindow(d time.Duration) []*FramePacket { return s.buf.LastWindow(d) }

// UniformSampled implements FrameReader.
func (s *Source) UniformSampled(k int) []*FramePacket { return s.buf.UniformSampled(k) }

// Status implements FrameReader.
func (s *Source) Status() SourceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SourceStatus{
		Phase:        s.phase,
		FrameCount:   s.frameSeq.Load(),
		DroppedReads: s.droppedReads,
		Reconnects:   s.reconnects,
		LastError:    s.lastErr,
	}
	if !s.lastFrameAt.IsZero() {
		at := s.lastFrameAt
		st.LastFrameAt = &at
	}
	return st
}

// Connected reports whether the source is currently delivering frames.
func (s *Source) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhaseConnected
}

func (s *Source) setPhase(phase SourcePhase, msg string) {
	s.mu.Lock()
	changed := s.phase != phase
	s.phase = phase
	if msg != "" {
		s.lastErr = msg
	}
	s.mu.Unlock()

	if changed {
		s.lg.Info().Str("phase", string(phase)).Str("msg", msg).Msg("status change")
		if s.OnStatusChange != nil {
			s.OnStatusChange(phase, msg)
		}
	}
}

func (s *Source) run() {
	defer close(s.doneCh)

	attempts := 0
	for {
		select {
		case <-s.stopCh:
			s.setPhase(PhaseStopped, "")
			return
		default:
		}

		s.setPhase(PhaseConnecting, "")
		gotFrames, err := s.capture()

		select {
		case <-s.stopCh:
			s.setPhase(PhaseStopped, "")
			return
		default:
		}

		if gotFrames {
			// A working connection resets the reconnect budget.
			attempts = 0
		}
		attempts++
		if s.cfg.MaxReconnectAttempts >= 0 && attempts > s.cfg.MaxReconnectAttempts {
			s.setPhase(PhaseError, fmt.Sprintf("reconnect attempts exhausted: %v", err))
			return
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()

		msg := ""
		if err != nil {
			msg = err.Error()
		}
		s.setPhase(PhaseReconnecting, msg)

		select {
		case <-s.stopCh:
			s.setPhase(PhaseStopped, "")
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// inputArgs builds the per-type ffmpeg input arguments. RTSP gets TCP
// transport and low-latency flags; files are paced in real time and looped.
func (s *Source) inputArgs() []string {
	switch s.cfg.Type {
	case StreamTypeRTSP:
		return []string{
			"-rtsp_transport", "tcp",
			"-fflags", "nobuffer+discardcorrupt",
			"-flags", "low_delay",
			"-analyzeduration", "500000",
			"-probesize", "500000",
			"-max_delay", "0",
			"-reorder_queue_size", "0",
			"-i", s.cfg.URL,
		}
	case StreamTypeRTMP:
		return []string{
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-i", s.cfg.URL,
		}
	case StreamTypeWebcam:
		return []string{
			"-f", "v4l2",
			"-framerate", fmt.Sprintf("%d", s.cfg.TargetFPS),
			"-video_size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
			"-i", s.cfg.URL,
		}
	default: // file
		return []string{
			"-re",
			"-stream_loop", "-1",
			"-i", s.cfg.URL,
		}
	}
}

// capture runs one decoder session until error or stop. Returns whether any
// frame was delivered during the session.
func (s *Source) capture() (bool, error) {
	args := []string{"-loglevel", "error", "-nostdin"}
	args = append(args, s.inputArgs()...)
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-vf", fmt.Sprintf("scale=%d:%d", s.cfg.Width, s.cfg.Height),
		"-r", fmt.Sprintf("%d", s.cfg.TargetFPS),
		"-an",
		"-",
	)

	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start ffmpeg: %w", err)
	}

	s.cmdMu.Lock()
	s.cmd = cmd
	s.cmdMu.Unlock()
	defer func() {
		s.killDecoder()
		cmd.Wait()
	}()

	// Keep the last stderr line as the failure message.
	var errMu sync.Mutex
	lastLine := ""
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			errMu.Lock()
			lastLine = scanner.Text()
			errMu.Unlock()
		}
	}()

	frameSize := s.cfg.Width * s.cfg.Height * 3
	frameCh := make(chan []byte, 2)
	readErrCh := make(chan error, 1)
	go func() {
		reader := bufio.NewReaderSize(stdout, frameSize)
		for {
			data := make([]byte, frameSize)
			if _, err := io.ReadFull(reader, data); err != nil {
				readErrCh <- err
				return
			}
			select {
			case frameCh <- data:
			default:
				// Consumer stalled, drop rather than block the decoder.
				s.mu.Lock()
				s.droppedReads++
				s.mu.Unlock()
			}
		}
	}()

	gotFrames := false
	watchdog := time.NewTimer(s.cfg.ReadTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-s.stopCh:
			return gotFrames, nil

		case err := <-readErrCh:
			errMu.Lock()
			detail := lastLine
			errMu.Unlock()
			if detail != "" {
				return gotFrames, fmt.Errorf("decoder: %s", detail)
			}
			return gotFrames, fmt.Errorf("decoder read: %w", err)

		case <-watchdog.C:
			return gotFrames, fmt.Errorf("no frame within %s", s.cfg.ReadTimeout)

		case data := <-frameCh:
			gotFrames = true
			s.publish(data)
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(s.cfg.ReadTimeout)
		}
	}
}

func (s *Source) publish(data []byte) {
	seq := s.frameSeq.Add(1)
	now := time.Now()

	packet := &FramePacket{
		StreamID:    s.cfg.StreamID,
		Data:        data,
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		FrameNumber: seq,
		Timestamp:   now,
	}

	s.buf.Push(packet)

	s.mu.Lock()
	s.lastFrameAt = now
	s.mu.Unlock()

	s.setPhase(PhaseConnected, "")

	if s.OnFrame != nil {
		s.OnFrame(packet)
	}

	if seq%300 == 0 {
		s.lg.Debug().Uint64("frame", seq).Msg("capture progress")
	}
}

func (s *Source) killDecoder() {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

var _ FrameReader = (*Source)(nil)
