package vr

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot files start with a magic string, followed by a sequence of
// records and by the SHA3-256 checksum of everything before it. Each record
// is a protobuf length-delimited field (number 1) containing the key (field
// 1) and the value (field 2) of a storage entry.

var snapshotMagic = []byte("VRSNAP01")

const snapshotChecksumSize = 32

const (
	snapshotRecordField protowire.Number = 1
	snapshotKeyField    protowire.Number = 1
	snapshotValueField  protowire.Number = 2
)

type SnapshotRecord struct {
	Key   []byte
	Value []byte
}

func EncodeSnapshot(records []SnapshotRecord) []byte {
	data := append([]byte{}, snapshotMagic...)

	for _, record := range records {
		var recordData []byte

		recordData = protowire.AppendTag(recordData, snapshotKeyField,
			protowire.BytesType)
		recordData = protowire.AppendBytes(recordData, record.Key)

		recordData = protowire.AppendTag(recordData, snapshotValueField,
			protowire.BytesType)
		recordData = protowire.AppendBytes(recordData, record.Value)

		data = protowire.AppendTag(data, snapshotRecordField,
			protowire.BytesType)
		data = protowire.AppendBytes(data, recordData)
	}

	checksum := sha3.Sum256(data)

	return append(data, checksum[:]...)
}

func DecodeSnapshot(data []byte) ([]SnapshotRecord, error) {
	if len(data) < len(snapshotMagic)+snapshotChecksumSize {
		return nil, fmt.Errorf("%w: truncated snapshot", ErrCorruptionDetected)
	}

	if !bytes.HasPrefix(data, snapshotMagic) {
		return nil, fmt.Errorf("%w: invalid snapshot magic",
			ErrCorruptionDetected)
	}

	content := data[:len(data)-snapshotChecksumSize]
	expectedChecksum := data[len(data)-snapshotChecksumSize:]

	checksum := sha3.Sum256(content)
	if !bytes.Equal(checksum[:], expectedChecksum) {
		return nil, fmt.Errorf("%w: snapshot checksum mismatch",
			ErrCorruptionDetected)
	}

	var records []SnapshotRecord

	buf := content[len(snapshotMagic):]
	for len(buf) > 0 {
		recordData, n, err := consumeBytesField(buf, snapshotRecordField)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid record %d: %w",
				ErrCorruptionDetected, len(records), err)
		}
		buf = buf[n:]

		record, err := decodeSnapshotRecord(recordData)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid record %d: %w",
				ErrCorruptionDetected, len(records), err)
		}

		records = append(records, record)
	}

	return records, nil
}

func decodeSnapshotRecord(data []byte) (SnapshotRecord, error) {
	var record SnapshotRecord

	key, n, err := consumeBytesField(data, snapshotKeyField)
	if err != nil {
		return record, fmt.Errorf("invalid key: %w", err)
	}
	data = data[n:]

	value, n, err := consumeBytesField(data, snapshotValueField)
	if err != nil {
		return record, fmt.Errorf("invalid value: %w", err)
	}
	data = data[n:]

	if len(data) > 0 {
		return record, fmt.Errorf("%d trailing bytes", len(data))
	}

	record.Key = append([]byte{}, key...)
	record.Value = append([]byte{}, value...)

	return record, nil
}

func consumeBytesField(data []byte, expectedNum protowire.Number) ([]byte, int, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}

	if num != expectedNum || typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected field %d of type %d", num, typ)
	}

	value, m := protowire.ConsumeBytes(data[n:])
	if m < 0 {
		return nil, 0, protowire.ParseError(m)
	}

	return value, n + m, nil
}

// WriteSnapshotFile writes a snapshot to a temporary file which is renamed
// once synced, so that an existing snapshot is never partially overwritten.
func WriteSnapshotFile(filePath string, records []SnapshotRecord) error {
	data := EncodeSnapshot(records)

	dirPath := filepath.Dir(filePath)

	file, err := os.CreateTemp(dirPath, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: cannot create temporary file in %q: %w",
			ErrIo, dirPath, err)
	}
	tmpPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: cannot write %q: %w", ErrIo, tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: cannot sync %q: %w", ErrIo, tmpPath, err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: cannot close %q: %w", ErrIo, tmpPath, err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: cannot rename %q to %q: %w",
			ErrIo, tmpPath, filePath, err)
	}

	return nil
}

func ReadSnapshotFile(filePath string) ([]SnapshotRecord, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}

		return nil, fmt.Errorf("%w: cannot read %q: %w", ErrIo, filePath, err)
	}

	records, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", filePath, err)
	}

	return records, nil
}
