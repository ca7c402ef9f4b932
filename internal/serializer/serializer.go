/*
common serialize/deserialize functions shared by every wire type in the
model, bus and paxos packages.
*/
package serializer

import (
	"bufio"
	"encoding/binary"
	"fmt"
)

// WriteFieldBytes writes the field length, then the field, to the writer.
func WriteFieldBytes(buf *bufio.Writer, b []byte) error {
	size := uint32(len(b))
	if err := binary.Write(buf, binary.LittleEndian, &size); err != nil {
		return err
	}
	n, err := buf.Write(b)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("unexpected num bytes written. Expected %v, got %v", size, n)
	}
	return nil
}

// ReadFieldBytes reads a length-prefixed byte field.
func ReadFieldBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	b := make([]byte, size)
	if size == 0 {
		return b, nil
	}
	n, err := readFull(buf, b)
	if err != nil {
		return nil, err
	}
	if uint32(n) != size {
		return nil, fmt.Errorf("unexpected num bytes read. Expected %v, got %v", size, n)
	}
	return b, nil
}

func readFull(buf *bufio.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := buf.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteString writes a length-prefixed UTF-8 string.
func WriteString(buf *bufio.Writer, s string) error {
	return WriteFieldBytes(buf, []byte(s))
}

// ReadString reads a length-prefixed UTF-8 string.
func ReadString(buf *bufio.Reader) (string, error) {
	b, err := ReadFieldBytes(buf)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteUint32 writes a fixed-width little-endian uint32.
func WriteUint32(buf *bufio.Writer, v uint32) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadUint32 reads a fixed-width little-endian uint32.
func ReadUint32(buf *bufio.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

// WriteUint64 writes a fixed-width little-endian uint64.
func WriteUint64(buf *bufio.Writer, v uint64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadUint64 reads a fixed-width little-endian uint64.
func ReadUint64(buf *bufio.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

// WriteByte writes a single tag/flag byte.
func WriteByte(buf *bufio.Writer, v byte) error {
	return buf.WriteByte(v)
}

// ReadByte reads a single tag/flag byte.
func ReadByte(buf *bufio.Reader) (byte, error) {
	return buf.ReadByte()
}

// WriteBool writes a boolean as one byte.
func WriteBool(buf *bufio.Writer, v bool) error {
	if v {
		return buf.WriteByte(1)
	}
	return buf.WriteByte(0)
}

// ReadBool reads a boolean encoded as one byte.
func ReadBool(buf *bufio.Reader) (bool, error) {
	b, err := buf.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// WriteStringSlice writes a length-prefixed sequence of strings.
func WriteStringSlice(buf *bufio.Writer, ss []string) error {
	if err := WriteUint32(buf, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := WriteString(buf, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringSlice reads a length-prefixed sequence of strings.
func ReadStringSlice(buf *bufio.Reader) ([]string, error) {
	n, err := ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := ReadString(buf)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
