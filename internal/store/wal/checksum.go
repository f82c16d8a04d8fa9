package wal

import (
	"encoding/json"
	"hash/crc32"
	"strconv"

	"github.com/kueuedb/kueue/pkg/types"
)

// CalculateChecksum computes the CRC32-IEEE checksum covering everything
// Replay trusts about a record: type, job id, sequence number, and the
// encoded job document. Timestamp is deliberately excluded — Rotate and
// clock skew across replays must never flip a checksum.
func CalculateChecksum(eventType EventType, jobID types.JobID, seq uint64, job *types.Job) uint32 {
	data := string(eventType) + string(jobID) + strconv.FormatUint(seq, 10)
	if job != nil {
		b, err := json.Marshal(job)
		if err == nil {
			data += string(b)
		}
	}
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum recomputes an event's checksum and compares it to the
// stored one.
func VerifyChecksum(event Event) bool {
	expected := CalculateChecksum(event.Type, event.JobID, event.Seq, event.Job)
	return event.Checksum == expected
}
