package wal

import (
	"encoding/binary"
	"io"

	"github.com/OneOfOne/xxhash"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// 日志记录错误
var (
	ErrBadChecksum = errors.New("wal: record checksum mismatch")
	ErrTornRecord  = errors.New("wal: torn record at end of log")
	ErrClosed      = errors.New("wal: manager already closed")
)

// 记录头布局: LSN(8) + Family(1) + Op(1) + Flags(1) + DataLen(4)，
// 数据之后跟8字节xxhash64校验和，覆盖头与数据。
const recordHeaderSize = 8 + 1 + 1 + 1 + 4

const flagCompressed = 0x01

// maxRecordDataLen 单条记录的负载上限。残缺头部里的长度字段是
// 垃圾，不设上限会照着垃圾长度分配内存。
const maxRecordDataLen = 16 << 20

// Record 一条重做日志记录
type Record struct {
	LSN    uint64
	Family uint8
	Op     uint8
	Data   []byte
}

// encodeRecord 序列化一条记录，按需做snappy压缩
func encodeRecord(rec *Record, compress bool) []byte {
	data := rec.Data
	var flags uint8
	if compress && len(data) > 0 {
		compressed := snappy.Encode(nil, data)
		// 压不小就不压，重放侧按flag区分
		if len(compressed) < len(data) {
			data = compressed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, recordHeaderSize+len(data)+8)
	binary.BigEndian.PutUint64(buf[0:], rec.LSN)
	buf[8] = rec.Family
	buf[9] = rec.Op
	buf[10] = flags
	binary.BigEndian.PutUint32(buf[11:], uint32(len(data)))
	copy(buf[recordHeaderSize:], data)

	sum := xxhash.Checksum64(buf[:recordHeaderSize+len(data)])
	binary.BigEndian.PutUint64(buf[recordHeaderSize+len(data):], sum)
	return buf
}

// decodeRecord 从r读一条记录。
// 文件尾的残缺记录返回ErrTornRecord，校验和不符返回ErrBadChecksum，
// 两者都表示崩溃时没写完的尾巴，重放到此为止。
func decodeRecord(r io.Reader) (*Record, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrTornRecord
	}

	dataLen := binary.BigEndian.Uint32(header[11:])
	if dataLen > maxRecordDataLen {
		return nil, ErrTornRecord
	}
	body := make([]byte, int(dataLen)+8)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrTornRecord
	}

	sum := binary.BigEndian.Uint64(body[dataLen:])
	h := xxhash.New64()
	h.Write(header)
	h.Write(body[:dataLen])
	if h.Sum64() != sum {
		return nil, ErrBadChecksum
	}

	rec := &Record{
		LSN:    binary.BigEndian.Uint64(header[0:]),
		Family: header[8],
		Op:     header[9],
	}
	data := body[:dataLen]
	if header[10]&flagCompressed != 0 {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrap(err, "wal: decompress record")
		}
		data = decoded
	}
	rec.Data = data
	return rec, nil
}
