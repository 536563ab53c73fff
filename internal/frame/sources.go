package frame

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DirSource replays image files from a directory in lexical order.
type DirSource struct {
	files []string
	loop  bool
	next  int
	seq   int64
}

func NewDirSource(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("frame dir %q has no jpeg/png files", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files, loop: loop}, nil
}

func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.files) {
		if !s.loop {
			return Frame{}, ErrSourceExhausted
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}
	img, err := Decode(data)
	if err != nil {
		return Frame{}, err
	}
	s.seq++
	return Frame{Seq: s.seq, CapturedAt: time.Now().UTC(), Image: img}, nil
}

func (s *DirSource) Close() error { return nil }

// SnapshotSource polls an HTTP endpoint that serves one still image per
// request, as most IP cameras and webcam bridges do.
type SnapshotSource struct {
	url    string
	client *http.Client
	seq    int64
}

func NewSnapshotSource(url string, timeout time.Duration) *SnapshotSource {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &SnapshotSource{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *SnapshotSource) Next(ctx context.Context) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("create snapshot request: %w", err)
	}
	res, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("%w: snapshot status %d", ErrFrameUnavailable, res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: read snapshot: %v", ErrFrameUnavailable, err)
	}
	img, err := Decode(data)
	if err != nil {
		return Frame{}, err
	}
	s.seq++
	return Frame{Seq: s.seq, CapturedAt: time.Now().UTC(), Image: img}, nil
}

func (s *SnapshotSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// ChannelSource is fed by a push transport (the websocket gateway). Next waits
// at most the configured timeout for a frame.
type ChannelSource struct {
	frames  chan []byte
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
	seq     int64
	lastAt  atomic.Int64
	dropped atomic.Int64
}

func NewChannelSource(buffer int, timeout time.Duration) *ChannelSource {
	if buffer <= 0 {
		buffer = 4
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	s := &ChannelSource{
		frames:  make(chan []byte, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	s.lastAt.Store(time.Now().UnixNano())
	return s
}

// Push enqueues an encoded frame. When the buffer is full the frame is dropped
// so the transport reader never blocks on a slow sampler.
func (s *ChannelSource) Push(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- data:
		s.lastAt.Store(time.Now().UnixNano())
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *ChannelSource) Next(ctx context.Context) (Frame, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.done:
		return Frame{}, ErrSourceExhausted
	case <-timer.C:
		return Frame{}, fmt.Errorf("%w: no frame within %s", ErrFrameUnavailable, s.timeout)
	case data := <-s.frames:
		img, err := Decode(data)
		if err != nil {
			return Frame{}, err
		}
		s.seq++
		return Frame{Seq: s.seq, CapturedAt: time.Now().UTC(), Image: img}, nil
	}
}

// LastFrameAt is when the most recent frame was accepted.
func (s *ChannelSource) LastFrameAt() time.Time {
	return time.Unix(0, s.lastAt.Load())
}

func (s *ChannelSource) Dropped() int64 { return s.dropped.Load() }

func (s *ChannelSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
