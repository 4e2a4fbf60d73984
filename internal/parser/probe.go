package parser

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"alarmguard/internal/normalize"
	"alarmguard/internal/profile"
)

const (
	probeMaxRows  = 20
	probeMaxChars = 2000
)

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// HashFile streams the file through sha256 in 4 KiB blocks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyBuffer(h, bufio.NewReaderSize(f, 4096), make([]byte, 4096)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsZip reports whether the file starts with the ZIP local header, which
// separates real XLSX workbooks from tab-separated pseudo-Excel exports.
func IsZip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, zipMagic)
}

// ProbeFile samples headers (spreadsheets) or first-page text (PDF) for
// profile matching. Failures are logged and yield an empty probe.
func ProbeFile(path string, logger *slog.Logger) profile.Probe {
	var probe profile.Probe
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xls", ".xlsx":
		probe.Headers, err = probeHeaders(path)
	case ".pdf":
		probe.Text, err = probePDFText(path)
	}
	if err != nil && logger != nil {
		logger.Warn("probe failed", "file", filepath.Base(path), "err", err)
	}
	return probe
}

func probeHeaders(path string) ([]string, error) {
	rows, err := readRows(path, probeMaxRows)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var headers []string
		for _, cell := range row {
			if cell == "" {
				continue
			}
			if v := normalize.CleanExcelValue(cell); v != "" {
				headers = append(headers, v)
			}
		}
		if len(headers) > 0 {
			return headers, nil
		}
	}
	return nil, nil
}

func probePDFText(path string) (string, error) {
	pages, err := extractPDFPages(path, 1)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", nil
	}
	text := pages[0]
	if r := []rune(text); len(r) > probeMaxChars {
		text = string(r[:probeMaxChars])
	}
	return text, nil
}
