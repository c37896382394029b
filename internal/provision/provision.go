// Package provision makes sure the pipeline's weight files exist locally and
// are visible under the ComfyUI models tree.
package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"relightd/internal/common/fsutil"
	"relightd/internal/events"
	"relightd/pkg/types"
)

const partSuffix = ".part"

var (
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relightd",
			Subsystem: "provision",
			Name:      "downloads_total",
			Help:      "Model downloads by result",
		},
		[]string{"result"},
	)
	downloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relightd",
			Subsystem: "provision",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written by model downloads",
		},
	)
)

func init() {
	prometheus.MustRegister(downloadsTotal, downloadedBytes)
}

// Provisioner downloads missing weights and links them into place.
type Provisioner struct {
	client    *http.Client
	log       zerolog.Logger
	publisher events.Publisher
	// progress, when set, receives mpb progress bars.
	progress io.Writer
}

// Option configures a Provisioner.
type Option func(*Provisioner)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provisioner) {
		if c != nil {
			p.client = c
		}
	}
}

func WithPublisher(pub events.Publisher) Option {
	return func(p *Provisioner) { p.publisher = events.OrNoop(pub) }
}

// WithProgress renders download progress bars to w.
func WithProgress(w io.Writer) Option {
	return func(p *Provisioner) { p.progress = w }
}

func New(log zerolog.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		// Large weights take minutes; the context bounds the whole run.
		client:    &http.Client{Timeout: 0},
		log:       log,
		publisher: events.Noop{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Result summarizes one Ensure run.
type Result struct {
	Downloaded []string
	Skipped    []string
	Linked     []string
}

// Ensure downloads every descriptor whose cache path is absent, then links
// each served path to its cache path unless something is already there. The
// first failure aborts the run.
func (p *Provisioner) Ensure(ctx context.Context, descs []types.ModelDescriptor) (Result, error) {
	var res Result
	var bars *mpb.Progress
	if p.progress != nil {
		bars = mpb.NewWithContext(ctx, mpb.WithOutput(p.progress), mpb.WithWidth(48))
	}
	for _, d := range descs {
		if fsutil.PathExists(d.Path) {
			res.Skipped = append(res.Skipped, d.Name)
			downloadsTotal.WithLabelValues("cached").Inc()
			p.log.Debug().Str("model", d.Name).Str("path", d.Path).Msg("model present")
			continue
		}
		if err := p.download(ctx, bars, d); err != nil {
			downloadsTotal.WithLabelValues("error").Inc()
			p.publisher.Publish(events.Event{Name: "download_failed", Subject: d.Name, Fields: map[string]any{"error": err.Error()}})
			if bars != nil {
				bars.Wait()
			}
			return res, fmt.Errorf("provision %s: %w", d.Name, err)
		}
		downloadsTotal.WithLabelValues("ok").Inc()
		res.Downloaded = append(res.Downloaded, d.Name)
	}
	if bars != nil {
		bars.Wait()
	}
	for _, d := range descs {
		created, err := fsutil.LinkIfAbsent(d.Path, d.Target)
		if err != nil {
			return res, fmt.Errorf("link %s: %w", d.Name, err)
		}
		if created {
			res.Linked = append(res.Linked, d.Name)
			p.publisher.Publish(events.Event{Name: "model_linked", Subject: d.Name, Fields: map[string]any{"target": d.Target}})
		}
	}
	p.log.Info().Int("downloaded", len(res.Downloaded)).Int("cached", len(res.Skipped)).Int("linked", len(res.Linked)).Msg("models provisioned")
	return res, nil
}

// download streams d.URL into d.Path via a .part file renamed on success, so
// an interrupted download never leaves a file that looks complete.
func (p *Provisioner) download(ctx context.Context, bars *mpb.Progress, d types.ModelDescriptor) error {
	start := time.Now()
	p.log.Info().Str("model", d.Name).Str("url", d.URL).Msg("downloading model")
	p.publisher.Publish(events.Event{Name: "download_start", Subject: d.Name, Fields: map[string]any{"url": d.URL}})

	if err := fsutil.EnsureParent(d.Path); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download %s: http %s", d.URL, resp.Status)
	}

	tmp := d.Path + partSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	var body io.Reader = resp.Body
	var bar *mpb.Bar
	if bars != nil {
		bar = bars.AddBar(resp.ContentLength,
			mpb.PrependDecorators(decor.Name(d.Name, decor.WC{W: len(d.Name) + 1, C: decor.DidentRight})),
			mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f")),
		)
		pr := bar.ProxyReader(resp.Body)
		defer pr.Close()
		body = pr
	}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && resp.ContentLength > 0 && n != resp.ContentLength {
		copyErr = fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
	}
	if copyErr != nil {
		if bar != nil {
			bar.Abort(false)
		}
		_ = os.Remove(tmp)
		return copyErr
	}
	if bar != nil {
		bar.SetTotal(-1, true)
	}
	if err := os.Rename(tmp, filepath.Clean(d.Path)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	downloadedBytes.Add(float64(n))
	p.publisher.Publish(events.Event{Name: "download_done", Subject: d.Name, Fields: map[string]any{"bytes": n}})
	p.log.Info().Str("model", d.Name).Int64("bytes", n).Dur("dur", time.Since(start)).Msg("model downloaded")
	return nil
}
