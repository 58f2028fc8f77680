package report

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
)

// WriteFailureFile writes records to path as a JSON array, replacing any existing file.
func WriteFailureFile(path string, records []queue.FailureRecord) error {
	if records == nil {
		records = []queue.FailureRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "writing failure file %s", path)
	}
	return nil
}

func ReadFailureFile(path string) ([]queue.FailureRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading failure file %s", path)
	}
	var records []queue.FailureRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "parsing failure file %s", path)
	}
	return records, nil
}
