package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"campaignflow/internal/campaign"
	"campaignflow/internal/pipeline"
)

const (
	htmlFile   = "index.html"
	mjmlFile   = "email.mjml"
	assetsFile = "assets.json"
	copyFile   = "content.json"
)

// Publisher writes finished campaigns to <dir>/<workflow>/ on fs. It implements
// campaign.Publisher.
type Publisher struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

var _ campaign.Publisher = (*Publisher)(nil)

func New(fs afero.Fs, dir string) *Publisher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = "out"
	}
	return &Publisher{fs: fs, dir: dir, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, in campaign.PublishInput) (campaign.Publication, error) {
	if in.WorkflowID == "" {
		return campaign.Publication{}, pipeline.Validationf("publish: workflow id is required")
	}
	if in.Rendered.HTML == "" {
		return campaign.Publication{}, pipeline.Validationf("publish: rendered html is empty")
	}
	target := filepath.Join(p.dir, in.WorkflowID)
	if err := p.fs.MkdirAll(target, 0o755); err != nil {
		return campaign.Publication{}, fmt.Errorf("create %s: %w", target, err)
	}
	assets, err := json.MarshalIndent(in.Design, "", "  ")
	if err != nil {
		return campaign.Publication{}, pipeline.Permanent(err)
	}
	content, err := json.MarshalIndent(in.Content, "", "  ")
	if err != nil {
		return campaign.Publication{}, pipeline.Permanent(err)
	}
	files := []struct {
		name string
		data []byte
	}{
		{htmlFile, []byte(in.Rendered.HTML)},
		{mjmlFile, []byte(in.Rendered.MJML)},
		{assetsFile, assets},
		{copyFile, content},
	}
	written := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return campaign.Publication{}, err
		}
		path := filepath.Join(target, f.name)
		if err := writeAtomic(p.fs, path, f.data); err != nil {
			return campaign.Publication{}, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	abs, err := filepath.Abs(filepath.Join(target, htmlFile))
	if err != nil {
		abs = filepath.Join(target, htmlFile)
	}
	return campaign.Publication{
		URL:         (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		Files:       written,
		PublishedAt: p.now().UTC(),
	}, nil
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}
