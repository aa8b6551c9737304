package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"reservoir/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeReadout(r model.ReadoutRecord) ([]byte, error) {
	if len(r.Data) != r.Rows*r.Cols {
		return nil, fmt.Errorf("readout %s: data length %d does not match %dx%d", r.RunID, len(r.Data), r.Rows, r.Cols)
	}
	return json.Marshal(r)
}

func DecodeReadout(data []byte) (model.ReadoutRecord, error) {
	var readout model.ReadoutRecord
	if err := json.Unmarshal(data, &readout); err != nil {
		return model.ReadoutRecord{}, err
	}
	if err := checkVersion(readout.VersionedRecord); err != nil {
		return model.ReadoutRecord{}, err
	}
	if len(readout.Data) != readout.Rows*readout.Cols {
		return model.ReadoutRecord{}, fmt.Errorf("readout %s: data length %d does not match %dx%d", readout.RunID, len(readout.Data), readout.Rows, readout.Cols)
	}
	return readout, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func sortRunsNewestFirst(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}
