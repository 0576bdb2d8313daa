// Package modifylog implements the append-only journal of expunge and
// flag-change events mailidx.Index writes so other processes with the
// same index open can learn about mutations without rescanning the whole
// record array. The journal is a local file by default; an optional
// DynamoDB mirror lets a fleet of machines sharing a replicated backend
// observe the same event stream without each needing access to the file.
package modifylog

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tshlabs/mailidx"
)

// entrySize is the fixed on-disk size of one journal record: an 8-byte
// journal marker, a 1-byte kind, a 4-byte uid, a 4-byte flags word, a
// 4-byte message sequence number, and a 1-byte external marker.
const entrySize = 22

// Log is a mailidx.ModifyLog backed by a local append-only file, with an
// optional DynamoDB mirror for cross-host visibility.
type Log struct {
	mu   sync.Mutex
	fd   *os.File
	next uint64

	ddb       DDBClient
	tableName string
	streamKey string // partition key identifying this index's event stream
}

// DDBClient is the subset of the DynamoDB client modifylog needs, matching
// the shape of *dynamodb.Client.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Open opens or creates the local journal file at path.
func Open(path string) (*Log, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, fmt.Errorf("open modify log: %w", err)
	}
	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("stat modify log: %w", err)
	}
	return &Log{fd: fd, next: uint64(st.Size()) / entrySize}, nil
}

// WithDynamoDB configures a DynamoDB mirror. streamKey partitions events
// from different index files sharing one table.
func (l *Log) WithDynamoDB(client DDBClient, tableName, streamKey string) *Log {
	l.ddb = client
	l.tableName = tableName
	l.streamKey = streamKey
	return l
}

func encodeEntry(marker uint64, e mailidx.ModifyLogEntry) []byte {
	b := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(b[0:8], marker)
	b[8] = byte(e.Kind)
	binary.LittleEndian.PutUint32(b[9:13], uint32(e.UID))
	binary.LittleEndian.PutUint32(b[13:17], uint32(e.MsgFlags))
	binary.LittleEndian.PutUint32(b[17:21], e.Seq)
	if e.External {
		b[21] = 1
	}
	return b
}

func decodeEntry(b []byte) (uint64, mailidx.ModifyLogEntry) {
	marker := binary.LittleEndian.Uint64(b[0:8])
	e := mailidx.ModifyLogEntry{
		Kind:     mailidx.ModifyLogEntryKind(b[8]),
		UID:      mailidx.UID(binary.LittleEndian.Uint32(b[9:13])),
		MsgFlags: mailidx.MsgFlag(binary.LittleEndian.Uint32(b[13:17])),
		Seq:      binary.LittleEndian.Uint32(b[17:21]),
		External: b[21] != 0,
	}
	return marker, e
}

// Append satisfies mailidx.ModifyLog.
func (l *Log) Append(entries ...mailidx.ModifyLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range entries {
		marker := l.next
		buf := encodeEntry(marker, e)
		if _, err := l.fd.WriteAt(buf, int64(marker)*entrySize); err != nil {
			return fmt.Errorf("append modify log entry: %w", err)
		}
		l.next++

		if l.ddb != nil {
			if err := l.mirrorOne(marker, e); err != nil {
				return fmt.Errorf("mirror modify log entry to dynamodb: %w", err)
			}
		}
	}
	return nil
}

func (l *Log) mirrorOne(marker uint64, e mailidx.ModifyLogEntry) error {
	_, err := l.ddb.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item: map[string]types.AttributeValue{
			"stream_key": &types.AttributeValueMemberS{Value: l.streamKey},
			"seq":        &types.AttributeValueMemberN{Value: strconv.FormatUint(marker, 10)},
			"kind":       &types.AttributeValueMemberN{Value: strconv.Itoa(int(e.Kind))},
			"uid":        &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(e.UID), 10)},
			"msg_flags":  &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(e.MsgFlags), 10)},
			"msg_seq":    &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(e.Seq), 10)},
			"external":   &types.AttributeValueMemberBOOL{Value: e.External},
		},
	})
	return err
}

// ReadSince satisfies mailidx.ModifyLog, reading from the local file
// regardless of whether a DynamoDB mirror is configured: the mirror exists
// for remote observers without file access, not to replace the local
// read path.
func (l *Log) ReadSince(marker uint64) ([]mailidx.ModifyLogEntry, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if marker >= l.next {
		return nil, l.next, nil
	}
	count := l.next - marker
	buf := make([]byte, count*entrySize)
	if _, err := l.fd.ReadAt(buf, int64(marker)*entrySize); err != nil {
		return nil, marker, fmt.Errorf("read modify log: %w", err)
	}
	entries := make([]mailidx.ModifyLogEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		_, e := decodeEntry(buf[i*entrySize : (i+1)*entrySize])
		entries = append(entries, e)
	}
	return entries, l.next, nil
}

// Sync satisfies mailidx.ModifyLog, fsyncing the local journal file.
// Unlike hashfile's bbolt backing, Append above writes with a plain
// WriteAt and does not fsync per entry, so this is the only point queries
// of ReadSince are guaranteed durable across a crash.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fd.Sync()
}

// Close satisfies mailidx.ModifyLog.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fd.Close()
}
