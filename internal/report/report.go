package report

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/QianWanghhu/oconnell-runner/internal/fsutil"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/retrieve"
	"github.com/QianWanghhu/oconnell-runner/internal/security"
)

// StatsFile is the name of the statistics page inside the report directory.
const StatsFile = "stats.html"

// Generator writes report files into Dir.
type Generator struct {
	Dir   string
	Title string
	FS    fsutil.FileSystem
}

// NewGenerator creates a Generator writing to dir on the local disk.
func NewGenerator(dir, title string) *Generator {
	return &Generator{Dir: dir, Title: title, FS: fsutil.OSFileSystem{}}
}

// Generate writes the statistics page for t (when it has results) and one
// PNG per raw file. It returns the paths written.
func (g *Generator) Generate(t *retrieve.Table, rawFiles []string) ([]string, error) {
	if err := g.FS.MkdirAll(g.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	var written []string
	if t.Len() > 0 {
		path := filepath.Join(g.Dir, StatsFile)
		var buf bytes.Buffer
		if err := RenderStats(&buf, t, g.title()); err != nil {
			return written, err
		}
		if err := g.write(path, buf.Bytes()); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	for _, src := range rawFiles {
		path, err := g.plotRawFile(src)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}
	monitoring.Logf("Wrote %d report files to %s", len(written), g.Dir)
	return written, nil
}

func (g *Generator) title() string {
	if g.Title == "" {
		return "Sweep results"
	}
	return g.Title
}

func (g *Generator) plotRawFile(src string) (string, error) {
	data, err := g.FS.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read raw series: %w", err)
	}
	raw, err := ReadRaw(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%s: %w", src, err)
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	p, err := PlotRaw(raw, base)
	if err != nil {
		return "", fmt.Errorf("%s: %w", src, err)
	}
	var buf bytes.Buffer
	if err := WritePNG(&buf, p); err != nil {
		return "", err
	}
	path := filepath.Join(g.Dir, security.SanitizeFilename(base)+".png")
	if err := g.write(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

func (g *Generator) write(path string, data []byte) error {
	return fsutil.WriteFile(g.FS, path, data)
}
