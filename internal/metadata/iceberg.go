// Package metadata keeps Iceberg-style table metadata for the archived
// parquet files so query engines can list them without scanning the bucket.
package metadata

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one parquet file written by the archiver.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot is one table version; each added file creates one.
type Snapshot struct {
	SnapshotID  int64           `json:"snapshot-id"`
	TimestampMs int64           `json:"timestamp-ms"`
	Manifest    []ManifestEntry `json:"manifest"`
}

// TableMetadata is the metadata.json document.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Name              string     `json:"name"`
	Location          string     `json:"location"`
	LastUpdatedMs     int64      `json:"last-updated-ms"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Generator accumulates table versions in memory. At most maxSnapshots are
// kept; older versions drop off the document. It is safe for concurrent use.
type Generator struct {
	location     string
	tableName    string
	tableUUID    string
	maxSnapshots int

	mu        sync.Mutex
	snapshots []Snapshot
	lastID    int64
}

// NewGenerator returns a generator for the table stored at location.
func NewGenerator(location, tableName string, maxSnapshots int) *Generator {
	if maxSnapshots <= 0 {
		maxSnapshots = 1000
	}
	return &Generator{
		location:     location,
		tableName:    tableName,
		tableUUID:    uuid.NewString(),
		maxSnapshots: maxSnapshots,
	}
}

// AddFile records df as a new table version and returns the updated
// metadata document.
func (g *Generator) AddFile(df DataFile) ([]byte, error) {
	if df.Path == "" {
		return nil, fmt.Errorf("data file path is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	id := df.Timestamp.UnixNano()
	if id <= g.lastID {
		id = g.lastID + 1
	}
	g.lastID = id

	g.snapshots = append(g.snapshots, Snapshot{
		SnapshotID:  id,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    []ManifestEntry{{Status: 1, DataFile: df}},
	})
	if len(g.snapshots) > g.maxSnapshots {
		g.snapshots = append([]Snapshot(nil), g.snapshots[len(g.snapshots)-g.maxSnapshots:]...)
	}
	return json.MarshalIndent(g.metadataLocked(), "", "  ")
}

// Metadata returns the current document.
func (g *Generator) Metadata() TableMetadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metadataLocked()
}

func (g *Generator) metadataLocked() TableMetadata {
	tm := TableMetadata{
		FormatVersion: 2,
		TableUUID:     g.tableUUID,
		Name:          g.tableName,
		Location:      g.location,
		Snapshots:     append([]Snapshot(nil), g.snapshots...),
	}
	if n := len(g.snapshots); n > 0 {
		tm.CurrentSnapshotID = g.snapshots[n-1].SnapshotID
		tm.LastUpdatedMs = g.snapshots[n-1].TimestampMs
	}
	return tm
}
