package model

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	OriginEmail   = "email"
	OriginDropbox = "dropbox"
)

// Provenance keys carried by SourceItem.Metadata.
const (
	ItemSender     = "sender_email"
	ItemSubject    = "subject"
	ItemIMAPUID    = "imap_uid"
	ItemMessageID  = "message_id"
	ItemIMAPFolder = "imap_folder"
	ItemPollRunID  = "poll_run_id"
)

// SourceItem is one discovered file, alive for a single poll cycle.
type SourceItem struct {
	Path          string            `json:"path"`
	Filename      string            `json:"filename"`
	Size          int64             `json:"size_bytes"`
	ModTime       time.Time         `json:"mtime"`
	Origin        string            `json:"source"`
	Hash          string            `json:"sha256,omitempty"`
	CorrelationID string            `json:"source_message_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (i SourceItem) Ext() string {
	return strings.ToLower(filepath.Ext(i.Filename))
}

func (i SourceItem) IsSpreadsheet() bool {
	switch i.Ext() {
	case ".xls", ".xlsx":
		return true
	}
	return false
}

func (i SourceItem) IsPDF() bool {
	return i.Ext() == ".pdf"
}

func (i SourceItem) Meta(key string) string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata[key]
}
