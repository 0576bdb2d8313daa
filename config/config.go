// Package config parses the on-disk configuration for one index engine
// instance: where its files live, which collaborators back it, and how
// aggressively its background maintenance runs. The file format is sconf,
// the same indentation-based format used throughout this codebase.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"
)

// Static is the parsed form of the engine's configuration file.
type Static struct {
	DataDir string `sconf-doc:"Directory holding the index, data, hash, and modify log files. If relative, it is relative to the directory of the config file."`

	CacheFields []string `sconf:"optional" sconf-doc:"Which variable-length fields get cached in the data file: envelope, bodystructure, headertext, location."`

	Hash struct {
		Enabled bool `sconf:"optional" sconf-doc:"Whether to maintain the UID-to-record-index hash sidecar. Disable only for very small mailboxes where a linear scan is cheap enough."`
	} `sconf:"optional"`

	ModifyLog struct {
		Enabled  bool `sconf:"optional" sconf-doc:"Whether to maintain the append-only modify log used for cross-process change notification."`
		DynamoDB *struct {
			TableName string `sconf-doc:"DynamoDB table mirroring modify log events for observers without file access."`
			Region    string `sconf:"optional"`
		} `sconf:"optional"`
	} `sconf:"optional"`

	Compress struct {
		RateBytesPerSecond  int   `sconf:"optional" sconf-doc:"Upper bound on data file compression I/O, in bytes per second. Zero means unlimited."`
		TriggerDeletedBytes int64 `sconf:"optional" sconf-doc:"Run compression once this many bytes of deleted space have accumulated in the data file. Zero disables automatic triggering."`
	} `sconf:"optional"`

	Backup struct {
		S3 *struct {
			Bucket string
			Prefix string `sconf:"optional"`
			Region string `sconf:"optional"`
		} `sconf:"optional"`
		Minio *struct {
			Endpoint string
			Bucket   string
			Prefix   string `sconf:"optional"`
			UseSSL   bool   `sconf:"optional"`
		} `sconf:"optional"`
	} `sconf:"optional"`
}

// Parse reads and parses the configuration file at path.
func Parse(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	var c Static
	if err := sconf.Parse(f, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(path), c.DataDir)
	}
	return &c, nil
}

// Describe writes an annotated example configuration to w, the same way
// "mailidxctl config describe" does.
func Describe(w io.Writer, c Static) error {
	return sconf.Describe(w, c)
}

// Write serializes c to w in sconf format, without the doc comments.
func Write(w io.Writer, c Static) error {
	return sconf.Write(w, c)
}
