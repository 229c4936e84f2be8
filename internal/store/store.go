// Package store persists the state of all hosted devices in one CBOR
// file. State files written by version 0.0.6 (a JSON blob) are
// imported on first start and replaced with the CBOR representation
// on the next save.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
)

// Version is the current version of the state file format.
const Version = 1

// LegacyVersion is the version string of JSON state files.
const LegacyVersion = "0.0.6"

type stateFile struct {
	Version int                `cbor:"1,keyasint"`
	SavedAt time.Time          `cbor:"2,keyasint"`
	Devices []*hm.DeviceRecord `cbor:"3,keyasint"`
}

type legacyFile struct {
	Version string             `json:"version"`
	Devices []*hm.DeviceRecord `json:"devices"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("creating CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("creating CBOR decoder mode: %v", err))
	}
}

var ErrUnsupportedVersion = errors.New("unsupported state file version")

// File is a hm.Store backed by a file. All records are kept in memory;
// every save rewrites the file.
type File struct {
	path string

	mu      sync.Mutex
	devices map[bidcos.Address]*hm.DeviceRecord
}

// Open reads the state file at path. A missing file is an empty state.
func Open(path string) (*File, error) {
	f := &File{
		path:    path,
		devices: make(map[bidcos.Address]*hm.DeviceRecord),
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	recs, err := decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, rec := range recs {
		f.devices[bidcos.Address(rec.Address)] = rec
	}
	logging.L().Infof("loaded state of %d devices from %s", len(f.devices), path)
	return f, nil
}

func decode(b []byte) ([]*hm.DeviceRecord, error) {
	if trimmed := bytes.TrimSpace(b); len(trimmed) > 0 && trimmed[0] == '{' {
		var legacy legacyFile
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, fmt.Errorf("decoding legacy state: %w", err)
		}
		if legacy.Version != LegacyVersion {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, legacy.Version)
		}
		logging.L().Infof("importing %d devices from %s state", len(legacy.Devices), LegacyVersion)
		return legacy.Devices, nil
	}
	var sf stateFile
	if err := decMode.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	if sf.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, sf.Version)
	}
	return sf.Devices, nil
}

func (f *File) LoadDevice(addr bidcos.Address) (*hm.DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[addr], nil
}

func (f *File) SaveDevice(rec *hm.DeviceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[bidcos.Address(rec.Address)] = rec
	return f.writeLocked()
}

// Devices returns the addresses of all stored devices.
func (f *File) Devices() []bidcos.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs := make([]bidcos.Address, 0, len(f.devices))
	for addr := range f.devices {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Flush writes the state file, e.g. to complete a legacy import.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked()
}

func (f *File) writeLocked() error {
	sf := stateFile{
		Version: Version,
		SavedAt: time.Now(),
	}
	for _, rec := range f.devices {
		sf.Devices = append(sf.Devices, rec)
	}
	sort.Slice(sf.Devices, func(i, j int) bool { return sf.Devices[i].Address < sf.Devices[j].Address })
	b, err := encMode.Marshal(sf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
