package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"speedtest-orchestrator/pkg/ipinfo"
	"speedtest-orchestrator/pkg/models"
)

const (
	sampleInterval = 200 * time.Millisecond
	bufSize        = 64 * 1024
	uploadChunk    = 1 << 20
)

func (w *Worker) lookupIP(ctx context.Context, s Settings) {
	info, err := ipinfo.Lookup(ctx, w.client, s.URLGetIP)
	if err != nil {
		w.logger.Warn("Client IP lookup failed", "url", s.URLGetIP, "error", err)
		return
	}
	var asn, org string
	if info.RawISPInfo != nil {
		asn, org = info.RawISPInfo.ASN()
	}
	w.update(func(st *models.StatusSnapshot) {
		st.ClientIP = info.ProcessedString
		st.ClientASN, st.ClientOrg = asn, org
	})
}

func (w *Worker) download(ctx context.Context, s Settings) {
	w.update(func(st *models.StatusSnapshot) {
		st.TestState = models.Download
		st.DlStatus, st.DlProgress = 0, 0
	})

	d := s.DownloadDuration()
	phaseCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	m := newMeter(s.OverheadCompensation, start)
	limiter := newLimiter(s.DownloadRateLimitMbps, bufSize)

	var wg conc.WaitGroup
	for i := 0; i < s.DownloadStreams; i++ {
		wg.Go(func() { w.downloadStream(phaseCtx, s, m, limiter) })
	}
	w.track(phaseCtx, &wg, start, d, m, func(st *models.StatusSnapshot, speed, p float64) {
		st.DlStatus, st.DlProgress = speed, p
	})
	if ctx.Err() != nil {
		return
	}

	speed := m.final(time.Now())
	w.update(func(st *models.StatusSnapshot) { st.DlStatus, st.DlProgress = speed, 1 })
	w.logger.Debug("Download finished", "mbps", speed, "bytes", m.bytes.Load())
}

// downloadStream fetches garbage chunks back to back until ctx ends or the
// server fails.
func (w *Worker) downloadStream(ctx context.Context, s Settings, m *meter, limiter *rate.Limiter) {
	buf := make([]byte, bufSize)
	for ctx.Err() == nil {
		url := withQuery(s.URLDownload, fmt.Sprintf("r=%s&ckSize=%d", uuid.NewString(), s.ChunkSizeMB))
		if err := w.readChunk(ctx, url, buf, m, limiter); err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("Download stream stopped", "url", s.URLDownload, "error", err)
			}
			return
		}
	}
}

func (w *Worker) readChunk(ctx context.Context, url string, buf []byte, m *meter, limiter *rate.Limiter) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch chunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	for {
		if limiter != nil {
			if err := limiter.WaitN(ctx, len(buf)); err != nil {
				return err
			}
		}
		n, err := resp.Body.Read(buf)
		m.add(n)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (w *Worker) upload(ctx context.Context, s Settings) {
	w.update(func(st *models.StatusSnapshot) {
		st.TestState = models.Upload
		st.UlStatus, st.UlProgress = 0, 0
	})

	chunk := make([]byte, uploadChunk)
	if _, err := rand.Read(chunk); err != nil {
		w.logger.Error("Failed to generate upload data", "error", err)
		return
	}

	d := s.UploadDuration()
	phaseCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	m := newMeter(s.OverheadCompensation, start)
	limiter := newLimiter(s.UploadRateLimitMbps, bufSize)
	blob := int64(s.UploadBlobMB) * uploadChunk

	var wg conc.WaitGroup
	for i := 0; i < s.UploadStreams; i++ {
		wg.Go(func() { w.uploadStream(phaseCtx, s.URLUpload, chunk, blob, m, limiter) })
	}
	w.track(phaseCtx, &wg, start, d, m, func(st *models.StatusSnapshot, speed, p float64) {
		st.UlStatus, st.UlProgress = speed, p
	})
	if ctx.Err() != nil {
		return
	}

	speed := m.final(time.Now())
	w.update(func(st *models.StatusSnapshot) { st.UlStatus, st.UlProgress = speed, 1 })
	w.logger.Debug("Upload finished", "mbps", speed, "bytes", m.bytes.Load())
}

func (w *Worker) uploadStream(ctx context.Context, url string, chunk []byte, blob int64, m *meter, limiter *rate.Limiter) {
	for ctx.Err() == nil {
		body := &blobReader{ctx: ctx, chunk: chunk, remaining: blob, m: m, limiter: limiter}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, withQuery(url, "r="+uuid.NewString()), body)
		if err != nil {
			w.logger.Debug("Invalid upload URL", "url", url, "error", err)
			return
		}
		req.ContentLength = blob
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := w.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("Upload stream stopped", "url", url, "error", err)
			}
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			w.logger.Debug("Upload rejected", "url", url, "status", resp.StatusCode)
			return
		}
	}
}

// blobReader yields remaining bytes by repeating chunk, counting what the
// transport consumes.
type blobReader struct {
	ctx       context.Context
	chunk     []byte
	offset    int
	remaining int64
	m         *meter
	limiter   *rate.Limiter
}

func (b *blobReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if len(p) > bufSize {
		p = p[:bufSize]
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	if b.limiter != nil {
		if err := b.limiter.WaitN(b.ctx, len(p)); err != nil {
			return 0, err
		}
	}
	n := 0
	for n < len(p) {
		c := copy(p[n:], b.chunk[b.offset:])
		n += c
		b.offset = (b.offset + c) % len(b.chunk)
	}
	b.remaining -= int64(n)
	b.m.add(n)
	return n, nil
}

func (w *Worker) pingJitter(ctx context.Context, s Settings) {
	w.update(func(st *models.StatusSnapshot) {
		st.TestState = models.PingJitter
		st.PingStatus, st.JitterStatus, st.PingProgress = 0, 0, 0
	})

	var j jitter
	for i := 0; i < s.CountPing; i++ {
		if ctx.Err() != nil {
			return
		}
		if t := w.prober.Probe(ctx, s.URLPing); t >= 0 {
			j.add(t)
		}
		p := float64(i+1) / float64(s.CountPing)
		w.update(func(st *models.StatusSnapshot) {
			st.PingStatus, st.JitterStatus, st.PingProgress = round2(j.ping), round2(j.jitter), p
		})
	}
	w.logger.Debug("Ping finished", "ping_ms", j.ping, "jitter_ms", j.jitter, "samples", j.samples)
}

// track publishes speed and progress every sampleInterval until every stream
// of wg has returned. It cancels nothing; streams end with their context.
func (w *Worker) track(ctx context.Context, wg *conc.WaitGroup, start time.Time, d time.Duration, m *meter, set func(st *models.StatusSnapshot, speed, p float64)) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			speed, p := m.sample(now), progress(start, now, d)
			w.update(func(st *models.StatusSnapshot) { set(st, speed, p) })
		}
	}
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func withQuery(url, query string) string {
	if strings.Contains(url, "?") {
		return url + "&" + query
	}
	return url + "?" + query
}
