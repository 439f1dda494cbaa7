package postprocess

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// fileType is the outcome of a magic-byte probe.
type fileType int

const (
	typeUnknown fileType = iota
	typeRAR
	type7z
	typeZIP
	typePar2
)

var magicTable = []struct {
	prefix []byte
	kind   fileType
}{
	{[]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}, typeRAR}, // RAR v5
	{[]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}, typeRAR},       // RAR v4
	{[]byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, type7z},
	{[]byte{0x50, 0x4B, 0x03, 0x04}, typeZIP},
	{[]byte{0x50, 0x41, 0x52, 0x32, 0x00, 0x50, 0x4B, 0x54}, typePar2},
}

func (t fileType) extension() string {
	switch t {
	case typeRAR:
		return ".rar"
	case type7z:
		return ".7z"
	case typeZIP:
		return ".zip"
	case typePar2:
		return ".par2"
	default:
		return ""
	}
}

// knownExtensions are files the deobfuscation pass leaves alone.
var knownExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".m4v": {},
	".mpg": {}, ".mpeg": {}, ".ts": {}, ".webm": {}, ".flv": {},
	".mp3": {}, ".flac": {}, ".aac": {}, ".ogg": {},
	".srt": {}, ".sub": {}, ".idx": {},
	".rar": {}, ".zip": {}, ".7z": {}, ".par2": {},
	".nfo": {}, ".sfv": {}, ".srr": {}, ".srs": {},
	".nzb": {}, ".txt": {}, ".jpg": {}, ".png": {},
}

var (
	rarPartExt  = regexp.MustCompile(`^\.r\d{2,3}$`)
	rarSplitExt = regexp.MustCompile(`^\.s\d{2,3}$`)
)

// detectType reads the first 16 bytes and matches them against the magic
// table.
func detectType(path string) (fileType, error) {
	f, err := os.Open(path)
	if err != nil {
		return typeUnknown, err
	}
	defer f.Close()

	head := make([]byte, 16)
	n, _ := f.Read(head)
	head = head[:n]

	for _, m := range magicTable {
		if bytes.HasPrefix(head, m.prefix) {
			return m.kind, nil
		}
	}
	return typeUnknown, nil
}

const minProbeSize = 1024

// deobfuscate probes every regular file at least 1 KB whose extension is not
// recognized, then renames detected types back to usable names. RAR sets are
// renamed into the .rar/.r00/.r01 scheme so extractors find the volumes.
func (p *Processor) deobfuscate(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var obfuscatedRARs []string
	hasProperRAR := false
	maxRNum := -1

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))

		if strings.HasSuffix(strings.ToLower(name), ".rar") {
			hasProperRAR = true
		}
		if m := rarPartExt.FindString(ext); m != "" {
			if n := parseVolumeNumber(ext[2:]); n > maxRNum {
				maxRNum = n
			}
		}

		if _, known := knownExtensions[ext]; known || rarPartExt.MatchString(ext) || rarSplitExt.MatchString(ext) {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.Size() < minProbeSize {
			continue
		}

		path := filepath.Join(dir, name)
		kind, err := detectType(path)
		if err != nil || kind == typeUnknown {
			continue
		}

		if kind == typeRAR {
			obfuscatedRARs = append(obfuscatedRARs, path)
			continue
		}

		target := uniqueRename(path + kind.extension())
		if err := os.Rename(path, target); err != nil {
			p.log.Warn("deobfuscation rename failed", "file", name, "error", err)
			continue
		}
		p.log.Info("deobfuscated file", "from", name, "to", filepath.Base(target))
	}

	if len(obfuscatedRARs) == 0 {
		return nil
	}

	sort.Strings(obfuscatedRARs)
	base := filepath.Base(dir)
	next := 0
	if hasProperRAR {
		next = maxRNum + 1
	}

	for i, path := range obfuscatedRARs {
		var target string
		switch {
		case !hasProperRAR && i == 0:
			target = filepath.Join(dir, base+".rar")
		default:
			target = filepath.Join(dir, base+volumeExtension(next))
			next++
		}

		target = uniqueRename(target)
		if err := os.Rename(path, target); err != nil {
			p.log.Warn("rar rename failed", "file", filepath.Base(path), "error", err)
			continue
		}
		p.log.Info("deobfuscated rar volume",
			"from", filepath.Base(path), "to", filepath.Base(target))
	}
	return nil
}

// volumeExtension maps a volume index to .r00 … .r99, then .s00 ….
func volumeExtension(n int) string {
	if n < 100 {
		return fmt.Sprintf(".r%02d", n)
	}
	return fmt.Sprintf(".s%02d", n-100)
}

func parseVolumeNumber(digits string) int {
	n := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// uniqueRename appends _1, _2, ... before the extension until the target is
// free.
func uniqueRename(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
