package datastore

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Manifest lists the files of a snapshot. It is stored as a JSON blob
// named ManifestName so it can be inspected without the bridge.
type Manifest struct {
	BackupType     string         `json:"backup-type"`
	BackupID       string         `json:"backup-id"`
	BackupTime     int64          `json:"backup-time"`
	JobID          string         `json:"job-id"`
	Files          []ManifestFile `json:"files"`
	KeyFingerprint string         `json:"key-fingerprint,omitempty"`
}

// ManifestFile is one archive or config blob of a snapshot.
type ManifestFile struct {
	Filename  string `json:"filename"`
	Size      uint64 `json:"size"`
	Chunks    uint64 `json:"chunks,omitempty"`
	Checksum  string `json:"csum,omitempty"`
	CryptMode string `json:"crypt-mode"`
}

// CryptMode values.
const (
	CryptModeNone    = "none"
	CryptModeEncrypt = "encrypt"
)

func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// ManifestFileInfo extracts one file's entry from a raw manifest without
// decoding the rest.
func ManifestFileInfo(raw []byte, filename string) (ManifestFile, error) {
	if !gjson.ValidBytes(raw) {
		return ManifestFile{}, fmt.Errorf("manifest is not valid JSON")
	}
	entry := gjson.GetBytes(raw, fmt.Sprintf(`files.#(filename==%q)`, filename))
	if !entry.Exists() {
		return ManifestFile{}, fmt.Errorf("%w: %s in manifest", ErrNotFound, filename)
	}
	return ManifestFile{
		Filename:  entry.Get("filename").String(),
		Size:      entry.Get("size").Uint(),
		Chunks:    entry.Get("chunks").Uint(),
		Checksum:  entry.Get("csum").String(),
		CryptMode: entry.Get("crypt-mode").String(),
	}, nil
}

// ManifestKeyFingerprint returns the key fingerprint recorded in a raw
// manifest, or "" for unencrypted snapshots.
func ManifestKeyFingerprint(raw []byte) string {
	return gjson.GetBytes(raw, "key-fingerprint").String()
}
