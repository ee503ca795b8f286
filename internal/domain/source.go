package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type SourceKind string

const (
	SourceMagnet SourceKind = "magnet"
	SourceHTTP   SourceKind = "http"
	SourceFile   SourceKind = "file"
)

// Source identifies where torrent metadata comes from. The kind is selected by
// the prefix of the raw value.
type Source struct {
	Kind     SourceKind `json:"kind"`
	Raw      string     `json:"raw"`
	InfoHash string     `json:"infoHash,omitempty"` // magnet only
	Path     string     `json:"path,omitempty"`     // file only
}

func ParseSource(raw string) (Source, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Source{}, fmt.Errorf("%w: empty source", ErrTorrentInfo)
	}
	lower := strings.ToLower(value)
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		hash, err := magnetInfoHash(value)
		if err != nil {
			return Source{}, fmt.Errorf("%w: %v", ErrTorrentInfo, err)
		}
		return Source{Kind: SourceMagnet, Raw: value, InfoHash: hash}, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return Source{Kind: SourceHTTP, Raw: value}, nil
	case strings.HasPrefix(lower, "file://"):
		u, err := url.Parse(value)
		if err != nil || u.Path == "" {
			return Source{}, fmt.Errorf("%w: invalid file url", ErrTorrentInfo)
		}
		return Source{Kind: SourceFile, Raw: value, Path: u.Path}, nil
	default:
		return Source{Kind: SourceFile, Raw: value, Path: value}, nil
	}
}

func magnetInfoHash(magnet string) (string, error) {
	u, err := url.Parse(magnet)
	if err != nil {
		return "", err
	}
	for _, xt := range u.Query()["xt"] {
		if hash := NormalizeInfoHash(xt); hash != "" && !strings.Contains(hash, ":") {
			return hash, nil
		}
	}
	return "", errors.New("magnet without btih")
}

func NormalizeInfoHash(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(strings.ToLower(value), "urn:btih:")
	if value == "" {
		return ""
	}
	return value
}
