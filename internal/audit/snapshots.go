// internal/audit/snapshots.go
package audit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"cpetscm/internal/config"
)

// SnapshotRef names one stored configuration snapshot.
type SnapshotRef struct {
	Name    string
	Path    string
	ModTime time.Time
}

// SnapshotSource enumerates and reads configuration snapshots.
type SnapshotSource interface {
	List(ctx context.Context, deviceID string) ([]SnapshotRef, error)
	Read(ctx context.Context, ref SnapshotRef) (string, error)
}

// DirSource reads snapshots from a directory. With perDevice set each
// device has its own subdirectory named after its id; otherwise every
// regular file in root is a candidate for every device.
type DirSource struct {
	root      string
	perDevice bool
}

func NewDirSource(root string, perDevice bool) *DirSource {
	return &DirSource{root: root, perDevice: perDevice}
}

func (d *DirSource) dir(deviceID string) string {
	if d.perDevice {
		return filepath.Join(d.root, deviceID)
	}
	return d.root
}

// List returns the regular files of the device's directory sorted by name.
// A device without its own directory has no snapshots.
func (d *DirSource) List(ctx context.Context, deviceID string) ([]SnapshotRef, error) {
	dir := d.dir(deviceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if d.perDevice && errors.Is(err, fs.ErrNotExist) {
			logrus.WithFields(logrus.Fields{
				"device_id": deviceID,
				"dir":       dir,
			}).Warn("No snapshot directory for device")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots in %s: %w", dir, err)
	}

	var refs []SnapshotRef
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		refs = append(refs, SnapshotRef{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (d *DirSource) Read(_ context.Context, ref SnapshotRef) (string, error) {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot %s: %w", ref.Name, err)
	}
	return string(data), nil
}

// AgePolicy decides how old a snapshot is, in whole days.
type AgePolicy struct {
	Mode  string
	Fixed int
}

func (p AgePolicy) Age(ref SnapshotRef, now time.Time) int {
	if p.Mode != config.AgeModeMtime || ref.ModTime.IsZero() {
		return p.Fixed
	}
	age := int(now.Sub(ref.ModTime) / (24 * time.Hour))
	if age < 0 {
		return 0
	}
	return age
}
