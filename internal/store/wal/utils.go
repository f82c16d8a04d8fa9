package wal

import (
	"encoding/json"
	"io"
	"os"
)

// GetLastEvent scans path from the beginning and returns the last event
// that decodes successfully. It returns ErrEmptyWAL if the file has no
// events at all. NewWAL uses this to resume sequence numbering after a
// restart.
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmptyWAL
		}
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return last, &CorruptionError{Cause: err}
		}
		e := event
		last = &e
	}

	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}
