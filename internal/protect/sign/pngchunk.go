package sign

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ProvenanceKeyword is the tEXt keyword the provenance document is
// stored under in signed PNGs.
const ProvenanceKeyword = "provenance"

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// insertTextChunk inserts a tEXt chunk with the given keyword and text
// immediately before IEND, leaving pixel data untouched.
func insertTextChunk(data []byte, keyword string, text []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("not a PNG image")
	}

	iend, err := findChunk(data, "IEND")
	if err != nil {
		return nil, err
	}

	chunkData := make([]byte, 0, len(keyword)+1+len(text))
	chunkData = append(chunkData, keyword...)
	chunkData = append(chunkData, 0)
	chunkData = append(chunkData, text...)

	chunk := make([]byte, 0, 12+len(chunkData))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(chunkData)))
	chunk = append(chunk, lenBuf[:]...)
	chunk = append(chunk, "tEXt"...)
	chunk = append(chunk, chunkData...)

	crc := crc32.NewIEEE()
	crc.Write([]byte("tEXt"))
	crc.Write(chunkData)
	binary.BigEndian.PutUint32(lenBuf[:], crc.Sum32())
	chunk = append(chunk, lenBuf[:]...)

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:iend]...)
	out = append(out, chunk...)
	out = append(out, data[iend:]...)
	return out, nil
}

// extractTextChunk returns the text of the first tEXt chunk carrying the
// given keyword.
func extractTextChunk(data []byte, keyword string) ([]byte, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("not a PNG image")
	}

	off := len(pngSignature)
	for off+12 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[off : off+4]))
		typ := string(data[off+4 : off+8])
		if off+12+length > len(data) {
			return nil, fmt.Errorf("truncated PNG chunk %s", typ)
		}

		if typ == "tEXt" {
			chunkData := data[off+8 : off+8+length]
			if idx := bytes.IndexByte(chunkData, 0); idx >= 0 && string(chunkData[:idx]) == keyword {
				return chunkData[idx+1:], nil
			}
		}
		if typ == "IEND" {
			break
		}

		off += 12 + length
	}

	return nil, fmt.Errorf("no %s chunk found", keyword)
}

// findChunk returns the byte offset of the first chunk of the given type.
func findChunk(data []byte, typ string) (int, error) {
	off := len(pngSignature)
	for off+12 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[off : off+4]))
		if string(data[off+4:off+8]) == typ {
			return off, nil
		}
		if off+12+length > len(data) {
			break
		}
		off += 12 + length
	}
	return 0, fmt.Errorf("PNG chunk %s not found", typ)
}
