package filedao

// ============================================================================
// Journal
// Purpose: Append-only redo log of store mutations.
//   1. Each record holds the full post-image of one job or registration.
//   2. Records are JSON lines with a CRC32 over their content.
//   3. Replay applies records in order. A torn final line from a crash
//      mid-write ends the replay; any other damage is a CorruptionError.
//   4. Truncate empties the log after a snapshot has captured it.
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

var (
	ErrChecksumMismatch = errors.New("filedao: journal checksum mismatch")
	ErrJournalClosed    = errors.New("filedao: journal closed")
)

// Op is the kind of a journal record.
type Op string

const (
	OpPutJob          Op = "PUT_JOB"
	OpDeleteJob       Op = "DELETE_JOB"
	OpPutScheduler    Op = "PUT_SCHEDULER"
	OpDeleteScheduler Op = "DELETE_SCHEDULER"
)

// Record is one journal line. Payload is the post-image for put records
// and empty for deletes. Version is the store-wide version counter after
// the mutation.
type Record struct {
	Seq      uint64          `json:"seq"`
	Op       Op              `json:"op"`
	Cluster  string          `json:"cluster"`
	Key      string          `json:"key"`
	Version  int64           `json:"version"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Checksum uint32          `json:"checksum"`
}

func (r *Record) checksum() uint32 {
	h := crc32.NewIEEE()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.Seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(r.Version))
	h.Write(buf[:])
	for _, s := range []string{string(r.Op), r.Cluster, r.Key} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	h.Write(r.Payload)
	return h.Sum32()
}

// CorruptionError reports an unreadable or tampered record.
type CorruptionError struct {
	Seq   uint64 // zero when the record could not be decoded
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("filedao: journal corrupted at line %d (seq=%d): %v", e.Line, e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// Journal is an append-only record file.
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64
	count        int
	syncOnAppend bool
}

// OpenJournal opens or creates the journal at path. Call Replay before the
// first Append so numbering continues after the existing records.
func OpenJournal(path string, syncOnAppend bool) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filedao: open journal: %w", err)
	}
	return &Journal{file: f, path: path, syncOnAppend: syncOnAppend}, nil
}

// Replay feeds every intact record to fn in order and positions the
// sequence after the last one.
func (j *Journal) Replay(fn func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrJournalClosed
	}

	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("filedao: open journal for replay: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	line := 0
	var good int64 // bytes of intact, newline-terminated records
	for {
		raw, readErr := reader.ReadBytes('\n')
		unterminated := errors.Is(readErr, io.EOF) && len(raw) > 0
		if len(bytes.TrimSpace(raw)) > 0 {
			line++
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				if unterminated {
					// Partial write at the tail; drop it so the next
					// append starts on a clean line.
					return j.truncateLocked(good)
				}
				return &CorruptionError{Line: line, Cause: err}
			}
			if rec.checksum() != rec.Checksum {
				return &CorruptionError{Seq: rec.Seq, Line: line, Cause: ErrChecksumMismatch}
			}
			if err := fn(rec); err != nil {
				return err
			}
			j.seq = rec.Seq
			j.count++
		}
		good += int64(len(raw))
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return fmt.Errorf("filedao: read journal: %w", readErr)
			}
			if unterminated {
				if _, err := j.file.Write([]byte{'\n'}); err != nil {
					return fmt.Errorf("filedao: repair journal: %w", err)
				}
			}
			return nil
		}
	}
}

// Append stamps rec with the next sequence number and checksum and writes
// it. With syncOnAppend the record is on disk when Append returns.
func (j *Journal) Append(rec Record) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, ErrJournalClosed
	}

	rec.Seq = j.seq + 1
	rec.Checksum = rec.checksum()
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("filedao: encode journal record: %w", err)
	}
	b = append(b, '\n')
	if _, err := j.file.Write(b); err != nil {
		return 0, fmt.Errorf("filedao: append journal: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return 0, fmt.Errorf("filedao: sync journal: %w", err)
		}
	}
	j.seq = rec.Seq
	j.count++
	return rec.Seq, nil
}

// Seq is the sequence number of the last record written or replayed.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Resume makes numbering continue after seq when the file holds nothing
// newer, as after a truncate.
func (j *Journal) Resume(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.seq {
		j.seq = seq
	}
}

// Len is the number of records currently in the file.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Truncate drops every record. Sequence numbering continues so records
// written later still sort after the snapshot that absorbed the old ones.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrJournalClosed
	}
	if err := j.truncateLocked(0); err != nil {
		return err
	}
	j.count = 0
	return nil
}

func (j *Journal) truncateLocked(size int64) error {
	if err := j.file.Truncate(size); err != nil {
		return fmt.Errorf("filedao: truncate journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("filedao: sync journal: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
