package vmstate

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rumvm/rum/lib/rumerr"
)

// Record is the cached lifecycle metadata sidecar persisted alongside a
// VM's other on-disk artifacts. It is derived/cache data only: DetectFromDisk
// never reads it and never trusts it over a live hypervisor query. It
// exists so status/ssh_config can answer routine calls without a round
// trip to the hypervisor for information that changes only on prepare,
// boot, or provision.
type Record struct {
	ConfigHash        string    `json:"config_hash"`
	HypervisorType    string    `json:"hypervisor_type"`
	VsockCID          uint32    `json:"vsock_cid,omitempty"`
	PreparedAt        time.Time `json:"prepared_at,omitempty"`
	LastBootAt        time.Time `json:"last_boot_at,omitempty"`
	LastProvisionedAt time.Time `json:"last_provisioned_at,omitempty"`
}

// LoadRecord reads the sidecar at path. A missing file is not an error: it
// returns a zero Record, the correct state before a VM has ever been
// prepared.
func LoadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil
		}
		return Record{}, rumerr.Wrapf(rumerr.Io, err, "reading state file %s", path)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, rumerr.Wrapf(rumerr.Io, err, "unmarshaling state file %s", path)
	}
	return rec, nil
}

// SaveRecord writes rec to path as indented JSON.
func SaveRecord(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return rumerr.Wrap(rumerr.Io, "marshaling state file", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "writing state file %s", path)
	}
	return nil
}

// UpdateRecord loads the sidecar at path, applies mutate to it, and saves
// the result back. Callers use this to set one or two fields without
// clobbering the rest of the cached record.
func UpdateRecord(path string, mutate func(*Record)) error {
	rec, err := LoadRecord(path)
	if err != nil {
		return err
	}
	mutate(&rec)
	return SaveRecord(path, rec)
}
