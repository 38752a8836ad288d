package ecu

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/spi"
)

// W25Q128 style SPI NOR flash backend. One record per 4KB sector :
//
//	magic u16 | key u32 | size u16 | crc u16 | data
//
// Begin treats a sector whose magic or size does not check out as free. A
// record whose CRC does not match stays in the directory and ReadData
// returns ErrCRC for it, which the storage manager reads as absence.

const (
	flashCmdWriteEnable  = 0x06
	flashCmdPageProgram  = 0x02
	flashCmdRead         = 0x03
	flashCmdSectorErase  = 0x20
	flashCmdReadStatus   = 0x05
	flashStatusBusy      = 0x01

	flashSectorSize = 4096
	flashPageSize   = 256

	flashRecordMagic  uint16 = 0xEC5A
	flashHeaderSize          = 10
	flashMaxRecordLen        = flashSectorSize - flashHeaderSize
)

// FlashBackend drives the chip through a periph spi.Conn. The key/value
// region starts at baseSector and spans sectorCount sectors, one record per
// sector. The directory is rebuilt by scanning headers during Begin.
type FlashBackend struct {
	conn        spi.Conn
	baseSector  uint32
	sectorCount int

	// key -> sector index
	directory map[uint32]int
	// sectors known free
	freeSectors []int

	writeCount uint32
	readCount  uint32
}

func NewFlashBackend(conn spi.Conn, baseSector uint32, sectorCount int) *FlashBackend {
	if sectorCount == 0 {
		sectorCount = 256
	}
	return &FlashBackend{
		conn:        conn,
		baseSector:  baseSector,
		sectorCount: sectorCount,
	}
}

// Begin scans every sector header and rebuilds the key directory
func (b *FlashBackend) Begin() error {
	if b.conn == nil {
		return ErrDriverNotReady
	}
	b.directory = map[uint32]int{}
	b.freeSectors = nil

	header := make([]byte, flashHeaderSize)
	for i := 0; i < b.sectorCount; i++ {
		if err := b.read(b.sectorAddr(i), header); err != nil {
			return err
		}
		magic := binary.LittleEndian.Uint16(header[0:2])
		if magic != flashRecordMagic {
			b.freeSectors = append(b.freeSectors, i)
			continue
		}
		key := binary.LittleEndian.Uint32(header[2:6])
		size := binary.LittleEndian.Uint16(header[6:8])
		if int(size) > flashMaxRecordLen {
			b.freeSectors = append(b.freeSectors, i)
			continue
		}
		b.directory[key] = i
	}
	log.Infof("[STORAGE] flash directory: %v records, %v free sectors",
		len(b.directory), len(b.freeSectors))
	return nil
}

func (b *FlashBackend) WriteData(key uint32, data []byte) error {
	if b.directory == nil {
		return ErrNotInitialized
	}
	if len(data) > flashMaxRecordLen {
		return ErrRecordTooLarge
	}

	sector, exists := b.directory[key]
	if !exists {
		if len(b.freeSectors) == 0 {
			return ErrStorageFull
		}
		sector = b.freeSectors[0]
		b.freeSectors = b.freeSectors[1:]
	}

	record := make([]byte, flashHeaderSize+len(data))
	binary.LittleEndian.PutUint16(record[0:2], flashRecordMagic)
	binary.LittleEndian.PutUint32(record[2:6], key)
	binary.LittleEndian.PutUint16(record[6:8], uint16(len(data)))
	crc := crc16(0)
	crc.ccittBlock(data)
	binary.LittleEndian.PutUint16(record[8:10], uint16(crc))
	copy(record[flashHeaderSize:], data)

	if err := b.eraseSector(sector); err != nil {
		return err
	}
	if err := b.program(b.sectorAddr(sector), record); err != nil {
		return err
	}

	b.directory[key] = sector
	b.writeCount++
	return nil
}

func (b *FlashBackend) ReadData(key uint32) ([]byte, error) {
	if b.directory == nil {
		return nil, ErrNotInitialized
	}
	sector, ok := b.directory[key]
	if !ok {
		return nil, ErrKeyNotFound
	}

	header := make([]byte, flashHeaderSize)
	if err := b.read(b.sectorAddr(sector), header); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint16(header[6:8])
	if int(size) > flashMaxRecordLen {
		return nil, ErrCRC
	}

	data := make([]byte, size)
	if err := b.read(b.sectorAddr(sector)+flashHeaderSize, data); err != nil {
		return nil, err
	}
	crc := crc16(0)
	crc.ccittBlock(data)
	if uint16(crc) != binary.LittleEndian.Uint16(header[8:10]) {
		return nil, ErrCRC
	}
	b.readCount++
	return data, nil
}

func (b *FlashBackend) DeleteKey(key uint32) error {
	sector, ok := b.directory[key]
	if !ok {
		return ErrKeyNotFound
	}
	if err := b.eraseSector(sector); err != nil {
		return err
	}
	delete(b.directory, key)
	b.freeSectors = append(b.freeSectors, sector)
	return nil
}

func (b *FlashBackend) KeyExists(key uint32) bool {
	_, ok := b.directory[key]
	return ok
}

func (b *FlashBackend) FreeSpace() int {
	return len(b.freeSectors) * flashMaxRecordLen
}

func (b *FlashBackend) TotalSpace() int {
	return b.sectorCount * flashMaxRecordLen
}

func (b *FlashBackend) WriteCount() uint32 { return b.writeCount }
func (b *FlashBackend) ReadCount() uint32  { return b.readCount }

// Low level chip access

func (b *FlashBackend) sectorAddr(sector int) uint32 {
	return (b.baseSector + uint32(sector)) * flashSectorSize
}

func (b *FlashBackend) read(addr uint32, dst []byte) error {
	tx := make([]byte, 4+len(dst))
	tx[0] = flashCmdRead
	tx[1] = byte(addr >> 16)
	tx[2] = byte(addr >> 8)
	tx[3] = byte(addr)
	rx := make([]byte, len(tx))
	if err := b.conn.Tx(tx, rx); err != nil {
		return err
	}
	copy(dst, rx[4:])
	return nil
}

func (b *FlashBackend) program(addr uint32, data []byte) error {
	// page program never crosses a 256 byte boundary
	for len(data) > 0 {
		chunk := flashPageSize - int(addr%flashPageSize)
		if chunk > len(data) {
			chunk = len(data)
		}
		if err := b.writeEnable(); err != nil {
			return err
		}
		tx := make([]byte, 4+chunk)
		tx[0] = flashCmdPageProgram
		tx[1] = byte(addr >> 16)
		tx[2] = byte(addr >> 8)
		tx[3] = byte(addr)
		copy(tx[4:], data[:chunk])
		if err := b.conn.Tx(tx, nil); err != nil {
			return err
		}
		if err := b.waitIdle(); err != nil {
			return err
		}
		addr += uint32(chunk)
		data = data[chunk:]
	}
	return nil
}

func (b *FlashBackend) eraseSector(sector int) error {
	if err := b.writeEnable(); err != nil {
		return err
	}
	addr := b.sectorAddr(sector)
	tx := []byte{flashCmdSectorErase, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	if err := b.conn.Tx(tx, nil); err != nil {
		return err
	}
	return b.waitIdle()
}

func (b *FlashBackend) writeEnable() error {
	return b.conn.Tx([]byte{flashCmdWriteEnable}, nil)
}

func (b *FlashBackend) waitIdle() error {
	tx := []byte{flashCmdReadStatus, 0}
	rx := make([]byte, 2)
	for {
		if err := b.conn.Tx(tx, rx); err != nil {
			return err
		}
		if rx[1]&flashStatusBusy == 0 {
			return nil
		}
	}
}
