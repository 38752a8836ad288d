package ecu

import (
	"encoding/hex"
	"fmt"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// FileBackend persists records into an ini file, used by the host monitor
// binary and bench runs where no flash chip exists. Records live in a
// single section keyed by the hex record ID.
type FileBackend struct {
	path       string
	file       *ini.File
	totalSpace int
	writeCount uint32
	readCount  uint32
}

const fileBackendSection = "records"

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, totalSpace: 1 << 20}
}

func (b *FileBackend) Begin() error {
	file, err := ini.LooseLoad(b.path)
	if err != nil {
		return err
	}
	b.file = file
	log.Debugf("[STORAGE] file backend %v, %v records",
		b.path, len(file.Section(fileBackendSection).Keys()))
	return nil
}

func (b *FileBackend) keyName(key uint32) string {
	return fmt.Sprintf("%08X", key)
}

func (b *FileBackend) WriteData(key uint32, data []byte) error {
	if b.file == nil {
		return ErrNotInitialized
	}
	b.file.Section(fileBackendSection).Key(b.keyName(key)).SetValue(hex.EncodeToString(data))
	if err := b.file.SaveTo(b.path); err != nil {
		return err
	}
	b.writeCount++
	return nil
}

func (b *FileBackend) ReadData(key uint32) ([]byte, error) {
	if b.file == nil {
		return nil, ErrNotInitialized
	}
	section := b.file.Section(fileBackendSection)
	if !section.HasKey(b.keyName(key)) {
		return nil, ErrKeyNotFound
	}
	data, err := hex.DecodeString(section.Key(b.keyName(key)).String())
	if err != nil {
		return nil, ErrCRC
	}
	b.readCount++
	return data, nil
}

func (b *FileBackend) DeleteKey(key uint32) error {
	if b.file == nil {
		return ErrNotInitialized
	}
	section := b.file.Section(fileBackendSection)
	if !section.HasKey(b.keyName(key)) {
		return ErrKeyNotFound
	}
	section.DeleteKey(b.keyName(key))
	return b.file.SaveTo(b.path)
}

func (b *FileBackend) KeyExists(key uint32) bool {
	if b.file == nil {
		return false
	}
	return b.file.Section(fileBackendSection).HasKey(b.keyName(key))
}

func (b *FileBackend) FreeSpace() int {
	used := 0
	if b.file != nil {
		for _, key := range b.file.Section(fileBackendSection).Keys() {
			used += len(key.String()) / 2
		}
	}
	return b.totalSpace - used
}

func (b *FileBackend) TotalSpace() int    { return b.totalSpace }
func (b *FileBackend) WriteCount() uint32 { return b.writeCount }
func (b *FileBackend) ReadCount() uint32  { return b.readCount }
