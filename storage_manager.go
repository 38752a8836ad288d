package ecu

import (
	"encoding/binary"
	"math"

	log "github.com/sirupsen/logrus"
)

const StorageCacheSize = 20

// High priority saves commit straight through to the backend
const StoragePriorityHigh uint8 = 1

type storageCacheEntry struct {
	keyHash      uint16
	value        float32
	lastAccessMs uint32
	dirty        bool
	accessCount  uint8
	used         bool
}

type StorageStats struct {
	CacheHits  uint32
	CacheMisses uint32
	DiskWrites uint32
	DiskReads  uint32
	Errors     uint32
}

// StorageManager provides message-driven key/value persistence with a small
// write-back cache in front of the backend.
type StorageManager struct {
	bus     *MessageBus
	clock   Clock
	backend StorageBackend

	cache [StorageCacheSize]storageCacheEntry
	stats StorageStats

	commitIntervalMs uint32
	lastCommitMs     uint32
}

func NewStorageManager(bus *MessageBus, clock Clock, backend StorageBackend) *StorageManager {
	return &StorageManager{bus: bus, clock: clock, backend: backend}
}

// Init starts the backend and subscribes the storage operation messages
func (sm *StorageManager) Init() error {
	if err := sm.backend.Begin(); err != nil {
		return err
	}
	sm.bus.Subscribe(MsgStorageSaveFloat, sm.handleSaveFloat)
	sm.bus.Subscribe(MsgStorageLoadFloat, sm.handleLoadFloat)
	sm.bus.Subscribe(MsgStorageCommitCache, sm.handleCommitCache)
	sm.bus.Subscribe(MsgStorageStats, sm.handleStatsRequest)
	log.Infof("[STORAGE] initialized, %v/%v bytes free",
		sm.backend.FreeSpace(), sm.backend.TotalSpace())
	return nil
}

// SetCommitInterval enables periodic background flushing of dirty entries
func (sm *StorageManager) SetCommitInterval(intervalMs uint32) {
	sm.commitIntervalMs = intervalMs
}

// Update flushes dirty entries when the commit interval elapsed
func (sm *StorageManager) Update() {
	if sm.commitIntervalMs == 0 {
		return
	}
	nowMs := sm.clock.Millis()
	if nowMs-sm.lastCommitMs >= sm.commitIntervalMs {
		sm.CommitCache()
		sm.lastCommitMs = nowMs
	}
}

// Message handlers

func (sm *StorageManager) handleSaveFloat(msg *CANMessage) {
	if msg.Len != 8 {
		return
	}
	keyHash := binary.LittleEndian.Uint16(msg.Buf[0:2])
	value := math.Float32frombits(binary.LittleEndian.Uint32(msg.Buf[2:6]))
	senderId := msg.Buf[6]
	priority := msg.Buf[7]

	success := sm.saveToCache(keyHash, value)
	if success && priority >= StoragePriorityHigh {
		success = sm.commitEntry(keyHash)
	}
	sm.sendSaveResponse(keyHash, success, senderId)
}

func (sm *StorageManager) handleLoadFloat(msg *CANMessage) {
	if msg.Len != 8 {
		return
	}
	keyHash := binary.LittleEndian.Uint16(msg.Buf[0:2])
	defaultValue := math.Float32frombits(binary.LittleEndian.Uint32(msg.Buf[2:6]))
	requestId := msg.Buf[7]

	value, ok := sm.loadValue(keyHash, defaultValue)
	sm.sendLoadResponse(keyHash, value, ok, requestId)
}

func (sm *StorageManager) handleCommitCache(msg *CANMessage) {
	sm.CommitCache()
}

func (sm *StorageManager) handleStatsRequest(msg *CANMessage) {
	var buf [8]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(sm.stats.CacheHits))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(sm.stats.CacheMisses))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(sm.stats.DiskWrites))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(sm.stats.DiskReads))
	sm.bus.Publish(MsgStorageStatsResponse, buf[:])
}

func (sm *StorageManager) sendSaveResponse(keyHash uint16, success bool, senderId uint8) {
	var buf [4]byte
	binary.LittleEndian.PutUint16(buf[0:2], keyHash)
	if success {
		buf[2] = 1
	}
	buf[3] = senderId
	sm.bus.Publish(MsgStorageSaveResponse, buf[:])
}

func (sm *StorageManager) sendLoadResponse(keyHash uint16, value float32, success bool, requestId uint8) {
	var buf [8]byte
	binary.LittleEndian.PutUint16(buf[0:2], keyHash)
	PackFloat(buf[2:6], value)
	if success {
		buf[6] = 1
	}
	buf[7] = requestId
	sm.bus.Publish(MsgStorageLoadResponse, buf[:])
}

// Cache management

func (sm *StorageManager) findEntry(keyHash uint16) int {
	for i := range sm.cache {
		if sm.cache[i].used && sm.cache[i].keyHash == keyHash {
			return i
		}
	}
	return -1
}

func (sm *StorageManager) allocateEntry(keyHash uint16) int {
	for i := range sm.cache {
		if !sm.cache[i].used {
			sm.cache[i] = storageCacheEntry{keyHash: keyHash, used: true}
			return i
		}
	}
	// evict the entry with the oldest access, flushing it first when dirty
	oldest := 0
	for i := range sm.cache {
		if sm.cache[i].lastAccessMs < sm.cache[oldest].lastAccessMs {
			oldest = i
		}
	}
	if sm.cache[oldest].dirty {
		sm.flushEntry(&sm.cache[oldest])
	}
	sm.cache[oldest] = storageCacheEntry{keyHash: keyHash, used: true}
	return oldest
}

func (sm *StorageManager) saveToCache(keyHash uint16, value float32) bool {
	index := sm.findEntry(keyHash)
	if index < 0 {
		index = sm.allocateEntry(keyHash)
	}
	entry := &sm.cache[index]
	entry.value = value
	entry.dirty = true
	entry.lastAccessMs = sm.clock.Millis()
	entry.accessCount++
	return true
}

func (sm *StorageManager) loadValue(keyHash uint16, defaultValue float32) (float32, bool) {
	index := sm.findEntry(keyHash)
	if index >= 0 {
		entry := &sm.cache[index]
		entry.lastAccessMs = sm.clock.Millis()
		entry.accessCount++
		sm.stats.CacheHits++
		return entry.value, true
	}
	sm.stats.CacheMisses++

	data, err := sm.backend.ReadData(StorageKeyForHash(keyHash))
	if err != nil || len(data) != 4 {
		return defaultValue, false
	}
	sm.stats.DiskReads++
	value := math.Float32frombits(binary.LittleEndian.Uint32(data))

	index = sm.allocateEntry(keyHash)
	entry := &sm.cache[index]
	entry.value = value
	entry.lastAccessMs = sm.clock.Millis()
	entry.accessCount++
	return value, true
}

func (sm *StorageManager) flushEntry(entry *storageCacheEntry) bool {
	var data [4]byte
	PackFloat(data[:], entry.value)
	if err := sm.backend.WriteData(StorageKeyForHash(entry.keyHash), data[:]); err != nil {
		sm.stats.Errors++
		log.Warnf("[STORAGE] flush x%04X failed: %v", entry.keyHash, err)
		return false
	}
	entry.dirty = false
	sm.stats.DiskWrites++
	return true
}

func (sm *StorageManager) commitEntry(keyHash uint16) bool {
	index := sm.findEntry(keyHash)
	if index < 0 {
		return false
	}
	return sm.flushEntry(&sm.cache[index])
}

// CommitCache flushes every dirty entry, entries that fail stay dirty for
// the next attempt
func (sm *StorageManager) CommitCache() int {
	flushed := 0
	for i := range sm.cache {
		if sm.cache[i].used && sm.cache[i].dirty {
			if sm.flushEntry(&sm.cache[i]) {
				flushed++
			}
		}
	}
	return flushed
}

// Direct access, used by the config manager and tests

func (sm *StorageManager) SaveFloat(key string, value float32) bool {
	return sm.saveToCache(KeyHash(key), value)
}

func (sm *StorageManager) LoadFloat(key string, defaultValue float32) (float32, bool) {
	return sm.loadValue(KeyHash(key), defaultValue)
}

// SaveBytes / LoadBytes bypass the float cache for structured records like
// the ECU configuration

func (sm *StorageManager) SaveBytes(key uint32, data []byte) bool {
	if err := sm.backend.WriteData(key, data); err != nil {
		sm.stats.Errors++
		return false
	}
	sm.stats.DiskWrites++
	return true
}

func (sm *StorageManager) LoadBytes(key uint32) ([]byte, bool) {
	data, err := sm.backend.ReadData(key)
	if err != nil {
		return nil, false
	}
	sm.stats.DiskReads++
	return data, true
}

func (sm *StorageManager) DeleteBytes(key uint32) bool {
	return sm.backend.DeleteKey(key) == nil
}

func (sm *StorageManager) Stats() StorageStats { return sm.stats }

func (sm *StorageManager) DirtyCount() int {
	dirty := 0
	for i := range sm.cache {
		if sm.cache[i].used && sm.cache[i].dirty {
			dirty++
		}
	}
	return dirty
}
