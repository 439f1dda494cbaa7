package postprocess

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mediahunt/mediahunt/internal/errors"
)

// Options overrides tool binary names. Empty fields use the defaults found
// on PATH.
type Options struct {
	Par2Bin     string
	UnrarBin    string
	SevenZipBin string
	Runner      ToolRunner
}

// Processor runs the post-download pipeline on one item directory.
type Processor struct {
	runner      ToolRunner
	par2Bin     string
	unrarBin    string
	sevenZipBin string
	log         *slog.Logger
}

// New builds a processor with the given tool overrides.
func New(opts Options) *Processor {
	p := &Processor{
		runner:      opts.Runner,
		par2Bin:     opts.Par2Bin,
		unrarBin:    opts.UnrarBin,
		sevenZipBin: opts.SevenZipBin,
		log:         slog.Default().With("component", "post-processor"),
	}
	if p.runner == nil {
		p.runner = NewRunner()
	}
	if p.par2Bin == "" {
		p.par2Bin = "par2"
	}
	if p.unrarBin == "" {
		p.unrarBin = "unrar"
	}
	if p.sevenZipBin == "" {
		p.sevenZipBin = "7z"
	}
	return p
}

// Process runs deobfuscation, par2 verify/repair, extraction, cleanup and
// final validation on dir. A non-nil return fails the owning item.
func (p *Processor) Process(ctx context.Context, dir string) error {
	if err := p.deobfuscate(dir); err != nil {
		p.log.Warn("deobfuscation pass failed", "dir", dir, "error", err)
	}

	par2 := p.repairPar2(ctx, dir)

	if err := p.extractArchives(ctx, dir); err != nil {
		// Extraction failure is only fatal when nothing usable remains.
		if !hasVideo(dir) {
			return err
		}
		p.log.Warn("extraction failed but video present, continuing", "dir", dir, "error", err)
	}

	video := hasVideo(dir)
	archives := hasArchives(dir)

	if par2.failed && !archives && !video {
		return errors.New(errors.KindPostProcess, "par2 repair failed and no usable files remain")
	}
	if !archives && !video && par2.filesPresent {
		return errors.New(errors.KindPostProcess, "download contains only parity files")
	}

	if video {
		p.cleanup(dir)
	}
	return nil
}

var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".m4v": {},
	".mpg": {}, ".mpeg": {}, ".ts": {}, ".webm": {}, ".flv": {},
}

const minVideoSize = 1024

func hasVideo(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found {
			return nil
		}
		if _, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() >= minVideoSize {
			found = true
		}
		return nil
	})
	return found
}

var archiveSiblingRE = regexp.MustCompile(`(?i)(\.r\d{2,3}|\.s\d{2,3}|\.part\d+\.rar)$`)

func hasArchives(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found {
			return nil
		}
		name := strings.ToLower(filepath.Base(path))
		switch filepath.Ext(name) {
		case ".rar", ".zip", ".7z":
			found = true
		default:
			if archiveSiblingRE.MatchString(name) {
				found = true
			}
		}
		return nil
	})
	return found
}

var volPar2RE = regexp.MustCompile(`(?i)\.vol\d+\+\d+\.par2$`)

// cleanup removes archive and repair leftovers once a video file is in place.
func (p *Processor) cleanup(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		lower := strings.ToLower(name)
		ext := filepath.Ext(lower)

		remove := false
		switch ext {
		case ".rar", ".zip", ".7z", ".par2", ".nfo", ".sfv", ".srr", ".srs":
			remove = true
		default:
			remove = archiveSiblingRE.MatchString(lower) || volPar2RE.MatchString(lower)
		}
		if !remove {
			continue
		}

		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			p.log.Warn("cleanup remove failed", "file", name, "error", err)
		}
	}
}
