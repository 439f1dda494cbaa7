package torrent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/bencode"
)

// resumeData is the per-torrent rehydration record, bencoded and
// zstd-compressed on disk.
type resumeData struct {
	InfoHash   string `bencode:"info_hash"`
	Name       string `bencode:"name"`
	Category   string `bencode:"category"`
	SavePath   string `bencode:"save_path"`
	MagnetURL  string `bencode:"magnet_url"`
	MetaInfo   []byte `bencode:"metainfo"`
	Downloaded int64  `bencode:"downloaded"`
	AddedAt    int64  `bencode:"added_at"`
	Paused     bool   `bencode:"paused"`
}

const resumeSuffix = ".fastresume.zst"

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func resumePath(dir, infoHash string) string {
	return filepath.Join(dir, infoHash+resumeSuffix)
}

// writeResume atomically persists one torrent's resume record.
func writeResume(dir string, rd *resumeData) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	raw, err := bencode.EncodeBytes(rd)
	if err != nil {
		return fmt.Errorf("encode resume data: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)

	path := resumePath(dir, rd.InfoHash)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readResume(path string) (*resumeData, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress resume data: %w", err)
	}

	var rd resumeData
	if err := bencode.DecodeBytes(raw, &rd); err != nil {
		return nil, fmt.Errorf("decode resume data: %w", err)
	}
	return &rd, nil
}

// listResume returns every resume record in dir, skipping unreadable ones.
func listResume(dir string) []*resumeData {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []*resumeData
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), resumeSuffix) {
			continue
		}
		rd, err := readResume(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, rd)
	}
	return out
}

func removeResume(dir, infoHash string) {
	_ = os.Remove(resumePath(dir, infoHash))
}
