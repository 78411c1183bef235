// Package virtio locates or downloads the VirtIO Windows driver ISO.
package virtio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

const (
	// URL is the latest stable virtio-win ISO.
	URL = "https://fedorapeople.org/groups/virt/virtio-win/direct-downloads/stable-virtio/virtio-win.iso"
	// FileName is the ISO name inside the permanent ISO dir.
	FileName = "virtio-win.iso"
	// MinSize rejects truncated downloads and placeholder files.
	MinSize = 500 << 20

	downloadTimeout = 30 * time.Minute
	progressStep    = 10
)

// SystemPaths are checked after the install's own ISO dir.
var SystemPaths = []string{
	"/usr/share/virtio-win/virtio-win.iso",
	"/var/lib/libvirt/images/virtio-win.iso",
	"/var/lib/libvirt/driver/virtio-win-0.1.229.iso",
}

// ISO is the driver ISO. Probe records where it was found; Path reports it.
type ISO struct {
	Dir    string
	URL    string
	Client *http.Client
	Search []string
	// MinBytes overrides MinSize.
	MinBytes int64

	found string
}

var (
	_ resource.Resource  = (*ISO)(nil)
	_ resource.Describer = (*ISO)(nil)
	_ resource.Hinter    = (*ISO)(nil)
)

// New returns the ISO resource downloading into dir.
func New(dir string) *ISO {
	return &ISO{Dir: dir, URL: URL, Search: SystemPaths}
}

func (i *ISO) Name() string { return "virtio iso" }

func (i *ISO) Describe() string {
	return fmt.Sprintf("locate the VirtIO driver ISO or download it to %s", i.target())
}

func (i *ISO) Hints() []string {
	return []string{fmt.Sprintf("curl -L -o %s %s", i.target(), i.url())}
}

// Path is where the ISO lives: the probed location, or the download target.
func (i *ISO) Path() string {
	if i.found != "" {
		return i.found
	}
	return i.target()
}

func (i *ISO) target() string { return filepath.Join(i.Dir, FileName) }

func (i *ISO) url() string {
	if i.URL == "" {
		return URL
	}
	return i.URL
}

func (i *ISO) minSize() int64 {
	if i.MinBytes > 0 {
		return i.MinBytes
	}
	return MinSize
}

func (i *ISO) Probe(context.Context) (resource.Evaluation, error) {
	for _, p := range append([]string{i.target()}, i.Search...) {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Size() < i.minSize() {
			continue
		}
		i.found = p
		return resource.Evaluation{State: resource.PresentCorrect, Message: fmt.Sprintf("%s (%s)", p, humanize.IBytes(uint64(info.Size())))}, nil
	}
	i.found = ""
	return resource.Evaluation{State: resource.Missing, Message: "no VirtIO ISO found", Diff: "download " + i.url()}, nil
}

func (i *ISO) Create(ctx context.Context) error {
	if err := os.MkdirAll(i.Dir, 0o755); err != nil {
		return err
	}
	return i.download(ctx)
}

func (i *ISO) Update(ctx context.Context) error { return i.download(ctx) }

func (i *ISO) download(ctx context.Context) error {
	log := logger.FromContext(ctx).With("url", i.url())
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.url(), nil)
	if err != nil {
		return err
	}
	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.NewTransientError("download virtio iso", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.NewTransientError("download virtio iso", fmt.Errorf("unexpected status %s", resp.Status))
	}

	tmp, err := os.CreateTemp(i.Dir, FileName+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	log.Info(fmt.Sprintf("downloading VirtIO ISO (%s)", sizeOrUnknown(resp.ContentLength)))
	pw := &progressWriter{total: resp.ContentLength, log: log}
	n, err := io.Copy(tmp, io.TeeReader(resp.Body, pw))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return apperrors.NewTransientError("download virtio iso", err)
	}
	if n < i.minSize() {
		return fmt.Errorf("downloaded ISO is %s, expected at least %s", humanize.IBytes(uint64(n)), humanize.IBytes(uint64(i.minSize())))
	}
	if err := os.Rename(tmp.Name(), i.target()); err != nil {
		return err
	}
	i.found = i.target()
	return nil
}

func sizeOrUnknown(n int64) string {
	if n <= 0 {
		return "unknown size"
	}
	return humanize.IBytes(uint64(n))
}

// progressWriter logs every progressStep percent.
type progressWriter struct {
	total   int64
	written int64
	next    int64
	log     *logger.Logger
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		pct := p.written * 100 / p.total
		if pct >= p.next {
			p.log.Debug(fmt.Sprintf("virtio download %d%% (%s / %s)", pct, humanize.IBytes(uint64(p.written)), humanize.IBytes(uint64(p.total))))
			p.next = pct + progressStep
		}
	}
	return len(b), nil
}
