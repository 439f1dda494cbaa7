package postprocess

import (
	"archive/zip"
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/javi11/rardecode/v2"

	"github.com/mediahunt/mediahunt/internal/errors"
)

const extractTimeout = 2 * time.Hour

// errorPhrases canonicalizes tool output into short human phrases. Matching
// is case-insensitive and first match wins.
var errorPhrases = []struct {
	substr string
	phrase string
}{
	{"wrong password", "archive is password protected"},
	{"incorrect password", "archive is password protected"},
	{"unexpected end of archive", "archive is incomplete"},
	{"crc failed", "archive data is corrupt (CRC mismatch)"},
	{"checksum error", "archive data is corrupt (checksum error)"},
	{"cannot find volume", "archive volume is missing"},
	{"missing volume", "archive volume is missing"},
	{"is not rar archive", "file is not a RAR archive"},
	{"no files to extract", "archive contains no files"},
	{"write error", "disk write error during extraction"},
	{"not enough memory", "out of memory during extraction"},
}

// canonicalizeToolError maps raw extractor output onto a short phrase,
// falling back to the first output line.
func canonicalizeToolError(out RunResult, err error) error {
	combined := strings.ToLower(out.Stdout + "\n" + out.Stderr)
	for _, p := range errorPhrases {
		if strings.Contains(combined, p.substr) {
			return errors.New(errors.KindPostProcess, "unpack failed: "+p.phrase)
		}
	}

	if line := firstLine(out.Stderr); line != "" {
		return errors.New(errors.KindPostProcess, "unpack failed: "+line)
	}
	return errors.Wrap(errors.KindPostProcess, "unpack failed", err)
}

var firstPartRE = regexp.MustCompile(`(?i)\.part0*1\.rar$`)

// firstRARVolume picks the archive volume extraction must start from:
// .part01.rar style first, then a plain .rar that is not a .partNN, then
// whichever file's magic identifies it as RAR.
func firstRARVolume(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var plain, anyPart string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".rar") {
			continue
		}
		if firstPartRE.MatchString(lower) {
			return filepath.Join(dir, name), true
		}
		if strings.Contains(lower, ".part") {
			anyPart = filepath.Join(dir, name)
			continue
		}
		if plain == "" {
			plain = filepath.Join(dir, name)
		}
	}
	if plain != "" {
		return plain, true
	}
	if anyPart != "" {
		return anyPart, true
	}

	// No .rar extension survived deobfuscation; fall back to magic bytes.
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if kind, err := detectType(path); err == nil && kind == typeRAR {
			return path, true
		}
	}
	return "", false
}

// extractArchives unpacks whatever archives the directory holds. RAR sets go
// through unrar with a 7z fallback; the returned error is the canonicalized
// unrar failure, not the fallback banner. Standalone zip and 7z files are
// extracted afterwards.
func (p *Processor) extractArchives(ctx context.Context, dir string) error {
	if first, ok := firstRARVolume(dir); ok {
		if err := p.extractRAR(ctx, dir, first); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(errors.KindPostProcess, "read dir", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".zip":
			if err := extractZip(path, dir); err != nil {
				return err
			}
		case ".7z":
			if err := p.extract7z(ctx, dir, path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) extractRAR(ctx context.Context, dir, first string) error {
	p.log.Info("extracting rar set", "first_volume", filepath.Base(first))

	out, err := p.runner.Run(ctx, extractTimeout, dir,
		p.unrarBin, "x", "-o+", "-y", filepath.Base(first))
	if err == nil {
		return nil
	}
	unrarOut, unrarErr := out, err

	if stderrors.Is(err, ErrToolNotFound) {
		// No unrar on this host; try the in-process decoder before 7z.
		if rarErr := extractRARInProcess(first, dir); rarErr == nil {
			return nil
		}
	}

	out, err = p.runner.Run(ctx, extractTimeout, dir,
		p.sevenZipBin, "x", "-y", "-o"+dir, filepath.Base(first))
	if err == nil {
		p.log.Info("7z fallback extraction succeeded", "first_volume", filepath.Base(first))
		return nil
	}

	if stderrors.Is(unrarErr, ErrToolNotFound) && stderrors.Is(err, ErrToolNotFound) {
		if rarErr := extractRARInProcess(first, dir); rarErr == nil {
			return nil
		}
		return errors.New(errors.KindPostProcess, "unpack failed: no extraction tool available")
	}

	// Surface the unrar failure; the fallback's output is noise.
	if stderrors.Is(unrarErr, ErrToolNotFound) {
		return canonicalizeToolError(out, err)
	}
	return canonicalizeToolError(unrarOut, unrarErr)
}

// extractRARInProcess unpacks a RAR set with the pure-Go decoder. Used when
// no external extractor is installed.
func extractRARInProcess(first, dir string) error {
	r, err := rardecode.OpenReader(first)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dir, filepath.Clean(filepath.Base(hdr.Name)))
		if hdr.IsDir {
			continue
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			_ = out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func (p *Processor) extract7z(ctx context.Context, dir, path string) error {
	out, err := p.runner.Run(ctx, extractTimeout, dir,
		p.sevenZipBin, "x", "-y", "-o"+dir, filepath.Base(path))
	if err != nil {
		if stderrors.Is(err, ErrToolNotFound) {
			p.log.Warn("7z not installed, leaving archive in place", "file", filepath.Base(path))
			return nil
		}
		return canonicalizeToolError(out, err)
	}
	return nil
}

// extractZip unpacks a zip in process. Entry names are flattened to their
// base name to keep extraction inside dir.
func extractZip(path, dir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrap(errors.KindPostProcess, "unpack failed: "+filepath.Base(path), err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		in, err := f.Open()
		if err != nil {
			return errors.Wrap(errors.KindPostProcess, "unpack failed: "+f.Name, err)
		}

		target := filepath.Join(dir, filepath.Clean(filepath.Base(f.Name)))
		out, err := os.Create(target)
		if err != nil {
			_ = in.Close()
			return errors.Wrap(errors.KindPostProcess, "unpack failed: "+f.Name, err)
		}
		_, copyErr := io.Copy(out, in)
		_ = in.Close()
		closeErr := out.Close()
		if copyErr != nil {
			return errors.Wrap(errors.KindPostProcess, "unpack failed: "+f.Name, copyErr)
		}
		if closeErr != nil {
			return errors.Wrap(errors.KindPostProcess, "unpack failed: "+f.Name, closeErr)
		}
	}
	return nil
}
