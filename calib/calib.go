// Package calib loads per-node calibration data: antenna delay (TX and RX
// legs, since many UWB radios calibrate them separately) and the declared
// tag/anchor role. The file is a property list decoded once at startup and
// indexed by node ID.
package calib

import (
	"fmt"
	"io"
	"os"

	"howett.net/plist"
	"uwbmesh/tstamp"
)

// Role is the node's declared position in an asymmetric deployment; most
// deployments are symmetric and leave every node as RoleEither.
type Role string

const (
	RoleEither Role = "either"
	RoleTag    Role = "tag"
	RoleAnchor Role = "anchor"
)

// anchorIDCeiling splits the ID space: node IDs below this are anchors, at
// or above it are tags.
const anchorIDCeiling = 5

// RoleForID derives a node's role from its ID alone, the default in the
// absence of an explicit calibration-file override.
func RoleForID(id uint8) Role {
	if id < anchorIDCeiling {
		return RoleAnchor
	}
	return RoleTag
}

// Profile is one node's calibration record.
type Profile struct {
	NodeID         int    `plist:"NodeID"`
	AntennaTXTicks int64  `plist:"AntennaTXTicks"`
	AntennaRXTicks int64  `plist:"AntennaRXTicks"`
	Role           string `plist:"Role"`
}

// Database is the decoded calibration file, indexed by node ID.
type Database struct {
	byID map[uint8]Profile
}

// Load reads a property list of Profile entries from path.
func Load(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("calib: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes calibration data from an io.ReadSeeker, split out
// from Load so fixtures can be decoded without touching the filesystem.
func LoadFromReader(r io.ReadSeeker) (*Database, error) {
	var raw []Profile
	if err := plist.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("calib: decode plist: %w", err)
	}
	byID := make(map[uint8]Profile, len(raw))
	for _, p := range raw {
		byID[uint8(p.NodeID)] = p
	}
	return &Database{byID: byID}, nil
}

// Lookup returns the calibration profile for id, or false if this database
// carries no entry for it (the node then runs with zero antenna delay,
// i.e. uncorrected).
func (d *Database) Lookup(id uint8) (Profile, bool) {
	p, ok := d.byID[id]
	return p, ok
}

// RoleValue reports the profile's declared role, defaulting to RoleEither for an
// empty or unrecognized value.
func (p Profile) RoleValue() Role {
	switch Role(p.Role) {
	case RoleTag, RoleAnchor:
		return Role(p.Role)
	default:
		return RoleEither
	}
}

// CorrectTX adds this node's TX antenna delay to a locally-captured send
// timestamp. Applied before the timestamp enters ranging.Table, never
// inside the DS-TWR formula itself.
func (p Profile) CorrectTX(ts tstamp.T) tstamp.T {
	return ts.Add(tstamp.T(uint64(p.AntennaTXTicks)))
}

// CorrectRX adds this node's RX antenna delay to a locally-captured receive
// timestamp.
func (p Profile) CorrectRX(ts tstamp.T) tstamp.T {
	return ts.Add(tstamp.T(uint64(p.AntennaRXTicks)))
}
