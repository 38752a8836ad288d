package ecu

// Records are keyed by 29-bit IDs in their own subsystem so the key/value
// store never collides with the storage operation messages
const SubsystemStorageData uint32 = 0x0A

// StorageKeyForHash maps a hashed key string onto its record ID
func StorageKeyForHash(hash uint16) uint32 {
	return MakeMsgId(EcuBasePrimary, SubsystemStorageData, hash)
}

// StorageBackend is the capability contract every persistence layer
// implements. Writes are atomic at record granularity : a torn write reads
// back as absence, never as corrupt data.
type StorageBackend interface {
	Begin() error
	WriteData(key uint32, data []byte) error
	ReadData(key uint32) ([]byte, error)
	DeleteKey(key uint32) error
	KeyExists(key uint32) bool

	FreeSpace() int
	TotalSpace() int
	WriteCount() uint32
	ReadCount() uint32
}

// MemoryBackend is the map-backed store used in tests and host bench runs
type MemoryBackend struct {
	records    map[uint32][]byte
	totalSpace int
	writeCount uint32
	readCount  uint32

	// fault injection for tests
	FailWrites bool
	FailReads  bool
}

func NewMemoryBackend(totalSpace int) *MemoryBackend {
	if totalSpace == 0 {
		totalSpace = 64 * 1024
	}
	return &MemoryBackend{totalSpace: totalSpace}
}

// Begin creates the record map once; records written before a later Begin
// stay readable, as on a persistent backend
func (b *MemoryBackend) Begin() error {
	if b.records == nil {
		b.records = map[uint32][]byte{}
	}
	return nil
}

func (b *MemoryBackend) WriteData(key uint32, data []byte) error {
	if b.records == nil {
		return ErrNotInitialized
	}
	if b.FailWrites {
		return ErrDriverNotReady
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	b.records[key] = stored
	b.writeCount++
	return nil
}

func (b *MemoryBackend) ReadData(key uint32) ([]byte, error) {
	if b.records == nil {
		return nil, ErrNotInitialized
	}
	if b.FailReads {
		return nil, ErrDriverNotReady
	}
	data, ok := b.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	b.readCount++
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *MemoryBackend) DeleteKey(key uint32) error {
	if _, ok := b.records[key]; !ok {
		return ErrKeyNotFound
	}
	delete(b.records, key)
	return nil
}

func (b *MemoryBackend) KeyExists(key uint32) bool {
	_, ok := b.records[key]
	return ok
}

func (b *MemoryBackend) FreeSpace() int {
	used := 0
	for _, data := range b.records {
		used += len(data)
	}
	return b.totalSpace - used
}

func (b *MemoryBackend) TotalSpace() int  { return b.totalSpace }
func (b *MemoryBackend) WriteCount() uint32 { return b.writeCount }
func (b *MemoryBackend) ReadCount() uint32  { return b.readCount }
