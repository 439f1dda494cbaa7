package torrent

import (
	"regexp"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/mediahunt/mediahunt/internal/errors"
)

// btihRE rescues the v1 hash from magnets the structured parser rejects or
// parses without an xt.
var btihRE = regexp.MustCompile(`btih:([a-fA-F0-9]{40})`)

// infoHashFromMagnet resolves the lowercase hex v1 info hash of a magnet URI.
func infoHashFromMagnet(uri string) (string, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err == nil && m.InfoHash != (metainfo.Hash{}) {
		return strings.ToLower(m.InfoHash.HexString()), nil
	}

	if match := btihRE.FindStringSubmatch(uri); match != nil {
		return strings.ToLower(match[1]), nil
	}
	return "", errors.New(errors.KindParse, "magnet has no v1 info hash")
}

// infoHashFromTorrent parses torrent file bytes and returns the lowercase hex
// info hash plus the decoded metainfo.
func infoHashFromTorrent(data []byte) (string, *metainfo.MetaInfo, error) {
	var mi metainfo.MetaInfo
	if err := bencode.Unmarshal(data, &mi); err != nil {
		return "", nil, errors.Wrap(errors.KindParse, "invalid torrent file", err)
	}
	if len(mi.InfoBytes) == 0 {
		return "", nil, errors.New(errors.KindParse, "torrent file has no info dictionary")
	}
	return strings.ToLower(mi.HashInfoBytes().HexString()), &mi, nil
}
