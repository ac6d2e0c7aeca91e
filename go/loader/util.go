package loader

import (
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
)

func unpackAt(r io.ReaderAt, i interface{}, at uint64) (int, error) {
	size, err := struc.Sizeof(i)
	if err != nil {
		return 0, err
	}
	return size, struc.UnpackWithOrder(io.NewSectionReader(r, int64(at), int64(size)), i, binary.LittleEndian)
}
